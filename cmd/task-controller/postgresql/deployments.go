package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

const deploymentColumns = `id, device_id, firmware_id, status, retry_count, download_progress, error_message, started_at, completed_at`

func scanDeployment(row pgx.Row) (*datamodel.FirmwareDeployment, error) {
	var d datamodel.FirmwareDeployment
	err := row.Scan(
		&d.ID, &d.DeviceID, &d.FirmwareID, &d.Status, &d.RetryCount,
		&d.DownloadProgress, &d.ErrorMessage, &d.StartedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FetchScheduledDeployment returns the oldest scheduled deployment that is
// due, or nil
func (c *Connection) FetchScheduledDeployment(ctx context.Context) (*datamodel.FirmwareDeployment, error) {
	d, err := scanDeployment(c.db.QueryRow(ctx, `
		SELECT `+deploymentColumns+` FROM firmware_deployment
		WHERE status = 'scheduled' AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC
		LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching scheduled deployment: %w", err)
	}
	return d, nil
}

// MarkDeploymentDownloading claims a scheduled deployment. Returns false when
// it is not scheduled anymore.
func (c *Connection) MarkDeploymentDownloading(ctx context.Context, id string) (bool, error) {
	tag, err := c.db.Exec(ctx, `
		UPDATE firmware_deployment
		SET status = 'downloading', started_at = NOW()
		WHERE id = $1 AND status = 'scheduled'`, id)
	if err != nil {
		return false, fmt.Errorf("claiming deployment %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDeploymentInstalling advances a deployment once its download task was
// accepted for delivery
func (c *Connection) MarkDeploymentInstalling(ctx context.Context, id string) error {
	_, err := c.db.Exec(ctx, `
		UPDATE firmware_deployment SET status = 'installing' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("advancing deployment %s to installing: %w", id, err)
	}
	return nil
}

// MarkDeploymentCompleted finishes a deployment
func (c *Connection) MarkDeploymentCompleted(ctx context.Context, id string) error {
	_, err := c.db.Exec(ctx, `
		UPDATE firmware_deployment
		SET status = 'completed', download_progress = 100, completed_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("completing deployment %s: %w", id, err)
	}
	return nil
}

// MarkDeploymentFailed moves a deployment to its terminal failed state
func (c *Connection) MarkDeploymentFailed(ctx context.Context, id string, errorMessage string) error {
	_, err := c.db.Exec(ctx, `
		UPDATE firmware_deployment
		SET status = 'failed', completed_at = NOW(), error_message = $2
		WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failing deployment %s: %w", id, err)
	}
	return nil
}

// RequeueDeployment puts a deployment back to scheduled after a failed
// orchestration attempt
func (c *Connection) RequeueDeployment(ctx context.Context, id string, errorMessage string, delay time.Duration) error {
	_, err := c.db.Exec(ctx, `
		UPDATE firmware_deployment
		SET status = 'scheduled', retry_count = retry_count + 1, error_message = $2,
		    scheduled_at = NOW() + ($3 * INTERVAL '1 second')
		WHERE id = $1`, id, errorMessage, delay.Seconds())
	if err != nil {
		return fmt.Errorf("requeueing deployment %s: %w", id, err)
	}
	return nil
}

// MarkDiagnosticInProgress flags a diagnostic as running on the device
func (c *Connection) MarkDiagnosticInProgress(ctx context.Context, id string) error {
	_, err := c.db.Exec(ctx, `
		UPDATE diagnostic SET status = 'in_progress' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("advancing diagnostic %s: %w", id, err)
	}
	return nil
}

// MarkDiagnosticCompleted stores a diagnostic's results
func (c *Connection) MarkDiagnosticCompleted(ctx context.Context, id string, results map[string]interface{}) error {
	_, err := c.db.Exec(ctx, `
		UPDATE diagnostic SET status = 'completed', results = $2 WHERE id = $1`, id, results)
	if err != nil {
		return fmt.Errorf("completing diagnostic %s: %w", id, err)
	}
	return nil
}

// MarkDiagnosticFailed moves a diagnostic to its terminal failed state
func (c *Connection) MarkDiagnosticFailed(ctx context.Context, id string, errorMessage string) error {
	_, err := c.db.Exec(ctx, `
		UPDATE diagnostic SET status = 'failed', error_message = $2 WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failing diagnostic %s: %w", id, err)
	}
	return nil
}
