package transport

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/internal"
	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// ConnectionRegistry is the narrow view onto the shared state the websocket
// connection daemon maintains. The controller never touches the live socket,
// only this lookup/enqueue surface.
type ConnectionRegistry interface {
	Lookup(ctx context.Context, deviceID string) (connectionID string, ok bool, err error)
	EnqueueOutbound(ctx context.Context, connectionID string, payload []byte) error
	ClearLastSeen(ctx context.Context, deviceID string) error
}

// Prometheus metrics
var (
	websocketQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_websocket_queued_total",
			Help: "The total number of records queued for websocket delivery",
		},
	)
	websocketDisconnected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_websocket_disconnected_total",
			Help: "The total number of deliveries rejected because the device had no live connection",
		},
	)
)

// WebsocketBinding hands records to the connection daemon through its
// per-connection outbound queue. Its responsibility ends at a successful
// enqueue: the result says "queued", never "sent".
type WebsocketBinding struct {
	registry ConnectionRegistry
}

var defaultWebsocketBinding = &WebsocketBinding{registry: internal.RedisRegistry{}}

func NewWebsocketBinding(registry ConnectionRegistry) *WebsocketBinding {
	return &WebsocketBinding{registry: registry}
}

func (b *WebsocketBinding) Deliver(ctx context.Context, device *datamodel.Device, rec datamodel.Record, correlationID string) (DeliveryResult, error) {
	correlationID = correlationOrNew(correlationID)
	result := DeliveryResult{Status: DeliveryQueued, CorrelationID: correlationID}

	connectionID, ok, err := b.registry.Lookup(ctx, device.ID)
	if err != nil {
		return result, err
	}
	if !ok {
		websocketDisconnected.Inc()
		// the fleet view trusts last-seen; a failed lookup means the daemon
		// lost the socket, so stop reporting the device as live
		if clearErr := b.registry.ClearLastSeen(ctx, device.ID); clearErr != nil {
			zap.S().Warnf("Failed to clear last-seen for %s: %s", device.ID, clearErr)
		}
		return result, fmt.Errorf("device %s has no live websocket connection", device.ID)
	}
	result.ConnectionID = connectionID

	raw, err := rec.MarshalBinary()
	if err != nil {
		return result, fmt.Errorf("serializing record for device %s: %w", device.ID, err)
	}

	if err := b.registry.EnqueueOutbound(ctx, connectionID, raw); err != nil {
		return result, err
	}

	websocketQueued.Inc()
	zap.S().Debugf("Queued record for %s on connection %s (%d bytes)", device.ID, connectionID, len(raw))
	return result, nil
}
