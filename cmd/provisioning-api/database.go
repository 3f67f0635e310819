package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

var db *pgxpool.Pool

const taskColumns = `id, device_id, task_type, status, task_data, result_data, retry_count, max_retries, error_message, scheduled_at, started_at, completed_at, created_at`

const deviceColumns = `id, serial_number, protocol, transport, online, connection_request_url, connection_request_username, connection_request_password, usp_endpoint_id, mqtt_client_id, websocket_client_id, last_seen`

// SetupDB connects the API's own pool to the provisioning database
func SetupDB() {
	PQHost, err := env.GetAsString("POSTGRES_HOST", false, "db")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
	}
	PQPort, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
	}
	PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
	}
	PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
	}
	PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
	}
	PQSSLMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
	}

	conString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", PQHost, PQPort, PQUser, PQPassword, PQDBName, PQSSLMode)

	ctx, cncl := context.WithTimeout(context.Background(), 5*time.Second)
	defer cncl()
	db, err = pgxpool.New(ctx, conString)
	if err != nil {
		zap.S().Fatalf("Failed to open connection to postgres database: %s", err)
	}
	if err := db.Ping(ctx); err != nil {
		zap.S().Fatalf("Database is not available: %s", err)
	}
}

// ShutdownDB closes the pool
func ShutdownDB() {
	if db != nil {
		db.Close()
	}
}

func getDeviceByID(ctx context.Context, id string) (*datamodel.Device, error) {
	var d datamodel.Device
	err := db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM device WHERE id = $1`, id).Scan(
		&d.ID, &d.SerialNumber, &d.Protocol, &d.Transport, &d.Online,
		&d.ConnectionRequestURL, &d.ConnectionRequestUsername, &d.ConnectionRequestPassword,
		&d.USPEndpointID, &d.MQTTClientID, &d.WebsocketClientID, &d.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", id, err)
	}
	return &d, nil
}

func insertTask(ctx context.Context, task *datamodel.ProvisioningTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = datamodel.DefaultMaxRetries
	}
	task.Status = datamodel.TaskStatusPending

	_, err := db.Exec(ctx, `
		INSERT INTO provisioning_task (id, device_id, task_type, status, task_data, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3, 'pending', $4, 0, $5, NOW(), NOW())`,
		task.ID, task.DeviceID, task.Type, task.TaskData, task.MaxRetries)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}
	return nil
}

func getTaskByID(ctx context.Context, id string) (*datamodel.ProvisioningTask, error) {
	task, err := scanTaskRow(db.QueryRow(ctx, `SELECT `+taskColumns+` FROM provisioning_task WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return task, nil
}

func getTasksForDevice(ctx context.Context, deviceID string, limit int) ([]*datamodel.ProvisioningTask, error) {
	rows, err := db.Query(ctx, `SELECT `+taskColumns+` FROM provisioning_task WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing tasks of device %s: %w", deviceID, err)
	}
	defer rows.Close()

	var tasks []*datamodel.ProvisioningTask
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("listing tasks of device %s: %w", deviceID, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTaskRow(row pgx.Row) (*datamodel.ProvisioningTask, error) {
	var t datamodel.ProvisioningTask
	err := row.Scan(
		&t.ID, &t.DeviceID, &t.Type, &t.Status, &t.TaskData, &t.ResultData,
		&t.RetryCount, &t.MaxRetries, &t.ErrorMessage,
		&t.ScheduledAt, &t.StartedAt, &t.CompletedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func getFirmwareByID(ctx context.Context, id string) (*datamodel.Firmware, error) {
	var f datamodel.Firmware
	err := db.QueryRow(ctx, `SELECT id, version, file_name, file_size FROM firmware WHERE id = $1`, id).Scan(
		&f.ID, &f.Version, &f.FileName, &f.FileSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading firmware %s: %w", id, err)
	}
	return &f, nil
}

func insertDeployment(ctx context.Context, deployment *datamodel.FirmwareDeployment) error {
	if deployment.ID == "" {
		deployment.ID = uuid.NewString()
	}
	deployment.Status = datamodel.DeploymentStatusScheduled

	_, err := db.Exec(ctx, `
		INSERT INTO firmware_deployment (id, device_id, firmware_id, status, retry_count, download_progress, scheduled_at)
		VALUES ($1, $2, $3, 'scheduled', 0, 0, NOW())`,
		deployment.ID, deployment.DeviceID, deployment.FirmwareID)
	if err != nil {
		return fmt.Errorf("inserting deployment %s: %w", deployment.ID, err)
	}
	return nil
}
