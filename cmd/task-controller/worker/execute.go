package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/codec"
	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/transport"
	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// Execute runs one delivery attempt for one task. Delivery problems never
// come back as errors - they become the task's retry/fail transitions. The
// returned error only signals that the store itself is unreachable, in which
// case the task stays untouched and gets redelivered.
func (w *Worker) Execute(ctx context.Context, task *datamodel.ProvisioningTask) error {
	// re-dispatching a task that already left pending is a silent no-op
	if !datamodel.CanTransitionTask(task.Status, datamodel.TaskStatusProcessing) {
		zap.S().Debugf("Task %s is %s, nothing to do", task.ID, task.Status)
		return nil
	}

	device, err := w.store.GetDeviceByID(ctx, task.DeviceID)
	if err != nil {
		return err
	}

	// CWMP diagnostics and scans are only answered on the device's own next
	// periodic check-in. There is nothing to push; the check-in handler
	// completes the task later. Pushing the due time keeps the queue calm.
	if device != nil && device.Protocol == datamodel.ProtocolCWMP && needsCheckin(task.Type) {
		zap.S().Infof("Task %s (%s) waits for the next check-in of CWMP device %s, leaving it pending", task.ID, task.Type, device.ID)
		tasksDeferred.Inc()
		return w.store.DeferTask(ctx, task.ID, w.checkinDeferDelay)
	}

	claimed, err := w.store.MarkTaskProcessing(ctx, task.ID)
	if err != nil {
		return err
	}
	if !claimed {
		zap.S().Debugf("Task %s was claimed elsewhere, nothing to do", task.ID)
		return nil
	}

	if device == nil {
		w.handleFailure(ctx, task, fmt.Errorf("device %s not found", task.DeviceID))
		return nil
	}

	payload, err := codec.BuildRequest(w.generator, task, device)
	if err != nil {
		w.handleFailure(ctx, task, err)
		return nil
	}
	if payload == nil {
		// nothing to send yet is success, not an outage
		w.handleSuccess(ctx, task, map[string]interface{}{"transport_status": "skipped"})
		return nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout)
	defer cancel()

	var result transport.DeliveryResult
	if device.Protocol == datamodel.ProtocolCWMP {
		result, err = w.cwmp.DeliverCWMP(attemptCtx, device, payload, "")
	} else {
		var binding transport.Binding
		binding, err = w.selectBinding(device)
		if err == nil {
			rec := datamodel.Wrap(payload, device.EndpointID(), w.controllerEndpointID)
			result, err = binding.Deliver(attemptCtx, device, rec, "")
		}
	}
	if err != nil {
		w.handleFailure(ctx, task, err)
		return nil
	}

	w.handleSuccess(ctx, task, result.AsResultData())
	return nil
}

func needsCheckin(taskType datamodel.TaskType) bool {
	return taskType == datamodel.TaskTypeDiagnostic || taskType == datamodel.TaskTypeNetworkScan
}

func (w *Worker) handleSuccess(ctx context.Context, task *datamodel.ProvisioningTask, resultData map[string]interface{}) {
	if err := w.store.MarkTaskCompleted(ctx, task.ID, resultData); err != nil {
		zap.S().Errorf("Failed to complete task %s: %s", task.ID, err)
		return
	}
	tasksCompleted.Inc()
	zap.S().Infof("Task %s (%s) completed", task.ID, task.Type)
	w.applyCascade(ctx, task, outcomeCompleted, "")
}

func (w *Worker) handleFailure(ctx context.Context, task *datamodel.ProvisioningTask, cause error) {
	// mirror of the atomic increment the store applies
	task.RetryCount++

	if task.RetryCount >= task.MaxRetries {
		zap.S().Warnf("Task %s (%s) failed terminally after %d attempts: %s", task.ID, task.Type, task.RetryCount, cause)
		if err := w.store.MarkTaskFailed(ctx, task.ID, cause.Error()); err != nil {
			zap.S().Errorf("Failed to fail task %s: %s", task.ID, err)
			return
		}
		tasksFailed.Inc()
		w.applyCascade(ctx, task, outcomeFailed, cause.Error())
		return
	}

	zap.S().Infof("Task %s (%s) attempt %d/%d failed, retrying in %s: %s", task.ID, task.Type, task.RetryCount, task.MaxRetries, w.retryDelay, cause)
	if err := w.store.RequeueTask(ctx, task.ID, cause.Error(), w.retryDelay); err != nil {
		zap.S().Errorf("Failed to requeue task %s: %s", task.ID, err)
		return
	}
	tasksRequeued.Inc()
}
