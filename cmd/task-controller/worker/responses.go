package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/transport"
)

// startResponseLoop drains the buffered agent responses the MQTT side queued
// up and applies them to the directory and the check-in-answered tasks
func (w *Worker) startResponseLoop() {
	zap.S().Debugf("Started response loop")
	for {
		if w.shuttingDown.Load() {
			return
		}
		response, ok, err := transport.DequeueInbound()
		if err != nil {
			zap.S().Errorf("Failed to dequeue inbound response: %s", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		w.applyResponse(context.Background(), response)
	}
}

func (w *Worker) applyResponse(ctx context.Context, response transport.InboundResponse) {
	device, err := w.store.GetDeviceByEndpointID(ctx, response.EndpointID)
	if err != nil {
		zap.S().Errorf("Failed to resolve endpoint %s: %s", response.EndpointID, err)
		return
	}
	if device == nil {
		zap.S().Warnf("Response from unknown endpoint %s on %s, ignoring", response.EndpointID, response.Topic)
		return
	}

	if err := w.store.TouchDeviceLastSeen(ctx, device.ID); err != nil {
		zap.S().Warnf("Failed to touch device %s: %s", device.ID, err)
	}
	if err := w.presence.TouchLastSeen(ctx, device.ID); err != nil {
		zap.S().Warnf("Failed to touch presence of device %s: %s", device.ID, err)
	}

	resultData := map[string]interface{}{
		"checkin_response": string(response.Payload),
		"topic":            response.Topic,
		"received_at":      response.ReceivedAt.Format(time.RFC3339),
	}
	completed, err := w.store.CompleteCheckinTasks(ctx, device.ID, resultData)
	if err != nil {
		zap.S().Errorf("Failed to complete check-in tasks of device %s: %s", device.ID, err)
		return
	}
	if len(completed) > 0 {
		zap.S().Infof("Device %s checked in, completed tasks %v", device.ID, completed)
	}

	// a completed check-in task also finishes the diagnostic it belongs to,
	// carrying the raw response as the diagnostic's results
	for _, taskID := range completed {
		task, err := w.store.GetTaskByID(ctx, taskID)
		if err != nil {
			zap.S().Errorf("Failed to load completed task %s: %s", taskID, err)
			continue
		}
		if task == nil || task.DiagnosticID() == "" {
			continue
		}
		if err := w.store.MarkDiagnosticCompleted(ctx, task.DiagnosticID(), resultData); err != nil {
			zap.S().Errorf("Failed to complete diagnostic %s of task %s: %s", task.DiagnosticID(), taskID, err)
		}
	}
}
