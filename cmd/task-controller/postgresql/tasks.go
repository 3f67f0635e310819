package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

const taskColumns = `id, device_id, task_type, status, task_data, result_data, retry_count, max_retries, error_message, scheduled_at, started_at, completed_at, created_at`

func scanTask(row pgx.Row) (*datamodel.ProvisioningTask, error) {
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

// InsertTask persists a new task in pending state. An empty ID or MaxRetries
// gets the defaults.
func (c *Connection) InsertTask(ctx context.Context, task *datamodel.ProvisioningTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = datamodel.DefaultMaxRetries
	}
	task.Status = datamodel.TaskStatusPending

	_, err := c.db.Exec(ctx, `
		INSERT INTO provisioning_task (id, device_id, task_type, status, task_data, retry_count, max_retries, scheduled_at, created_at)
		VALUES ($1, $2, $3, 'pending', $4, 0, $5, NOW(), NOW())`,
		task.ID, task.DeviceID, task.Type, task.TaskData, task.MaxRetries)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", task.ID, err)
	}
	return nil
}

// GetTaskByID loads one task
func (c *Connection) GetTaskByID(ctx context.Context, id string) (*datamodel.ProvisioningTask, error) {
	task, err := scanTask(c.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM provisioning_task WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return task, nil
}

// FetchDueTask returns the oldest pending task whose scheduled_at has come,
// or nil when nothing is due. Claiming the task is the guarded
// MarkTaskProcessing update, so two workers fetching the same row is
// harmless - only one wins the claim.
func (c *Connection) FetchDueTask(ctx context.Context) (*datamodel.ProvisioningTask, error) {
	task, err := scanTask(c.db.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM provisioning_task
		WHERE status = 'pending' AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC
		LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching due task: %w", err)
	}
	return task, nil
}

// MarkTaskProcessing claims a pending task. Returns false when the task is
// not pending anymore, in which case the caller must treat the dispatch as a
// no-op.
func (c *Connection) MarkTaskProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := c.db.Exec(ctx, `
		UPDATE provisioning_task
		SET status = 'processing', started_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claiming task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTaskCompleted finishes a task, storing the delivery outcome. Status,
// timestamp and result land in one statement so no reader sees a half-done
// task.
func (c *Connection) MarkTaskCompleted(ctx context.Context, id string, resultData map[string]interface{}) error {
	_, err := c.db.Exec(ctx, `
		UPDATE provisioning_task
		SET status = 'completed', completed_at = NOW(), result_data = $2
		WHERE id = $1`, id, resultData)
	if err != nil {
		return fmt.Errorf("completing task %s: %w", id, err)
	}
	return nil
}

// MarkTaskFailed moves a task to its terminal failed state, counting the
// final attempt
func (c *Connection) MarkTaskFailed(ctx context.Context, id string, errorMessage string) error {
	_, err := c.db.Exec(ctx, `
		UPDATE provisioning_task
		SET status = 'failed', retry_count = retry_count + 1, completed_at = NOW(), error_message = $2
		WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failing task %s: %w", id, err)
	}
	return nil
}

// RequeueTask puts a task back to pending after a retryable failure. The next
// attempt becomes due after the delay; until then no worker picks it up.
func (c *Connection) RequeueTask(ctx context.Context, id string, errorMessage string, delay time.Duration) error {
	_, err := c.db.Exec(ctx, `
		UPDATE provisioning_task
		SET status = 'pending', retry_count = retry_count + 1, error_message = $2,
		    scheduled_at = NOW() + ($3 * INTERVAL '1 second')
		WHERE id = $1`, id, errorMessage, delay.Seconds())
	if err != nil {
		return fmt.Errorf("requeueing task %s: %w", id, err)
	}
	return nil
}

// DeferTask pushes a pending task's due time without touching its status.
// Used for CWMP diagnostics that only the device's next check-in can answer.
func (c *Connection) DeferTask(ctx context.Context, id string, delay time.Duration) error {
	_, err := c.db.Exec(ctx, `
		UPDATE provisioning_task
		SET scheduled_at = NOW() + ($2 * INTERVAL '1 second')
		WHERE id = $1 AND status = 'pending'`, id, delay.Seconds())
	if err != nil {
		return fmt.Errorf("deferring task %s: %w", id, err)
	}
	return nil
}

// CompleteCheckinTasks finishes the check-in-answered tasks of one CWMP
// device in one sweep. Returns the completed task ids.
func (c *Connection) CompleteCheckinTasks(ctx context.Context, deviceID string, resultData map[string]interface{}) ([]string, error) {
	rows, err := c.db.Query(ctx, `
		UPDATE provisioning_task
		SET status = 'completed', started_at = COALESCE(started_at, NOW()), completed_at = NOW(), result_data = $2
		WHERE device_id = $1 AND status = 'pending' AND task_type IN ('diagnostic', 'network_scan')
		RETURNING id`, deviceID, resultData)
	if err != nil {
		return nil, fmt.Errorf("completing check-in tasks for device %s: %w", deviceID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
