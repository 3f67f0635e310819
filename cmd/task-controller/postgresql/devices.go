package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

const deviceColumns = `id, serial_number, protocol, transport, online, connection_request_url, connection_request_username, connection_request_password, usp_endpoint_id, mqtt_client_id, websocket_client_id, last_seen`

func scanDevice(row pgx.Row) (*datamodel.Device, error) {
	var d datamodel.Device
	err := row.Scan(
		&d.ID, &d.SerialNumber, &d.Protocol, &d.Transport, &d.Online,
		&d.ConnectionRequestURL, &d.ConnectionRequestUsername, &d.ConnectionRequestPassword,
		&d.USPEndpointID, &d.MQTTClientID, &d.WebsocketClientID, &d.LastSeen)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDeviceByID reads one device from the directory. Intentionally uncached:
// online status and addressing have to be fresh at delivery time.
func (c *Connection) GetDeviceByID(ctx context.Context, id string) (*datamodel.Device, error) {
	d, err := scanDevice(c.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", id, err)
	}
	return d, nil
}

// GetDeviceByEndpointID resolves an inbound endpoint id to its device. The
// endpoint id to device id mapping never changes once assigned, so it sits in
// the ARC cache.
func (c *Connection) GetDeviceByEndpointID(ctx context.Context, endpointID string) (*datamodel.Device, error) {
	if deviceID, ok := c.endpointIDCache.Get(endpointID); ok {
		return c.GetDeviceByID(ctx, deviceID.(string))
	}

	d, err := scanDevice(c.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device WHERE usp_endpoint_id = $1`, endpointID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading device by endpoint %s: %w", endpointID, err)
	}

	c.endpointIDCache.Add(endpointID, d.ID)
	return d, nil
}

// TouchDeviceLastSeen stamps the device's directory record on inbound traffic
func (c *Connection) TouchDeviceLastSeen(ctx context.Context, id string) error {
	_, err := c.db.Exec(ctx, `UPDATE device SET last_seen = NOW(), online = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching device %s: %w", id, err)
	}
	return nil
}

// GetFirmwareByID reads one firmware catalog entry
func (c *Connection) GetFirmwareByID(ctx context.Context, id string) (*datamodel.Firmware, error) {
	var f datamodel.Firmware
	err := c.db.QueryRow(ctx, `SELECT id, version, file_name, file_size FROM firmware WHERE id = $1`, id).
		Scan(&f.ID, &f.Version, &f.FileName, &f.FileSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading firmware %s: %w", id, err)
	}
	return &f, nil
}
