package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/codec"
	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/transport"
	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

func newTestWorker(store *mockStore, binding *mockBinding, cwmp *mockCWMPDeliverer) *Worker {
	return &Worker{
		store:     store,
		generator: codec.NewEnvelopeGenerator(),
		cwmp:      cwmp,
		presence:  &mockPresence{},
		selectBinding: func(device *datamodel.Device) (transport.Binding, error) {
			return binding, nil
		},
		controllerEndpointID: "self::acs-controller",
		attemptTimeout:       time.Second,
		retryDelay:           60 * time.Second,
		checkinDeferDelay:    5 * time.Minute,
	}
}

func pendingTask(id, deviceID string, taskType datamodel.TaskType, taskData map[string]interface{}) *datamodel.ProvisioningTask {
	return &datamodel.ProvisioningTask{
		ID:         id,
		DeviceID:   deviceID,
		Type:       taskType,
		Status:     datamodel.TaskStatusPending,
		TaskData:   taskData,
		MaxRetries: datamodel.DefaultMaxRetries,
	}
}

func uspHTTPDevice(id string) *datamodel.Device {
	return &datamodel.Device{
		ID:                   id,
		SerialNumber:         "SN-" + id,
		Protocol:             datamodel.ProtocolUSP,
		Transport:            datamodel.TransportHTTP,
		Online:               true,
		ConnectionRequestURL: "http://device.example/usp",
		USPEndpointID:        "os::012345-" + id,
	}
}

func TestExecuteNonPendingIsNoOp(t *testing.T) {
	store := newMockStore()
	binding := &mockBinding{}
	w := newTestWorker(store, binding, &mockCWMPDeliverer{})

	task := pendingTask("task-1", "dev-1", datamodel.TaskTypeReboot, nil)
	task.Status = datamodel.TaskStatusProcessing

	err := w.Execute(context.Background(), task)

	assert.NoError(t, err)
	assert.Empty(t, store.processing)
	assert.Empty(t, store.completed)
	assert.Empty(t, store.failed)
	assert.Zero(t, binding.delivered)
}

func TestExecuteClaimRaceIsNoOp(t *testing.T) {
	store := newMockStore()
	store.claimDenied = true
	store.devices["dev-1"] = uspHTTPDevice("dev-1")
	binding := &mockBinding{}
	w := newTestWorker(store, binding, &mockCWMPDeliverer{})

	err := w.Execute(context.Background(), pendingTask("task-1", "dev-1", datamodel.TaskTypeReboot, nil))

	assert.NoError(t, err)
	assert.Empty(t, store.completed)
	assert.Empty(t, store.failed)
	assert.Empty(t, store.requeued)
	assert.Zero(t, binding.delivered)
}

func TestExecuteHTTPDeliveryCompletesTask(t *testing.T) {
	store := newMockStore()
	store.devices["dev-1"] = uspHTTPDevice("dev-1")
	binding := &mockBinding{
		result: transport.DeliveryResult{
			Status:        transport.DeliverySent,
			CorrelationID: "corr-1",
			HTTPStatus:    200,
			ResponseBody:  "ok",
		},
	}
	w := newTestWorker(store, binding, &mockCWMPDeliverer{})

	task := pendingTask("task-1", "dev-1", datamodel.TaskTypeGetParameters,
		map[string]interface{}{"parameter_names": []interface{}{"Device.DeviceInfo."}})
	err := w.Execute(context.Background(), task)

	assert.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, store.processing)
	assert.Equal(t, 1, binding.delivered)

	// the payload on the wire carries the supplied parameter list
	var op codec.Operation
	assert.NoError(t, json.Unmarshal(binding.lastRec.Payload, &op))
	assert.Equal(t, "GetParameterValues", op.Kind)
	assert.Equal(t, []interface{}{"Device.DeviceInfo."}, op.Params["parameter_names"])

	resultData := store.completed["task-1"]
	assert.Equal(t, "sent", resultData["transport_status"])
	assert.Equal(t, 200, resultData["http_status"])
	assert.Equal(t, "ok", resultData["http_body"])

	// the record that went out must be addressed device <- controller
	assert.Equal(t, "os::012345-dev-1", binding.lastRec.ToID)
	assert.Equal(t, "self::acs-controller", binding.lastRec.FromID)
}

func TestExecuteRetriesThenFailsTerminally(t *testing.T) {
	store := newMockStore()
	store.devices["dev-1"] = uspHTTPDevice("dev-1")
	binding := &mockBinding{err: errors.New("device returned HTTP 500")}
	w := newTestWorker(store, binding, &mockCWMPDeliverer{})

	// each attempt sees the task as the queue redelivers it
	for attempt := 0; attempt < 3; attempt++ {
		task := pendingTask("task-1", "dev-1", datamodel.TaskTypeSetParameters,
			map[string]interface{}{"parameters": map[string]interface{}{"Device.WiFi.SSID": "home"}})
		task.RetryCount = attempt
		assert.NoError(t, w.Execute(context.Background(), task))
	}

	assert.Equal(t, 3, binding.delivered)
	assert.Equal(t, 60*time.Second, store.requeued["task-1"])
	assert.Equal(t, "device returned HTTP 500", store.failed["task-1"])
	assert.Empty(t, store.completed)
}

func TestExecuteCWMPCheckinTaskStaysPending(t *testing.T) {
	store := newMockStore()
	store.devices["dev-1"] = &datamodel.Device{
		ID:                   "dev-1",
		SerialNumber:         "SN-1",
		Protocol:             datamodel.ProtocolCWMP,
		Online:               true,
		ConnectionRequestURL: "http://cpe.example:7547/cr",
	}
	binding := &mockBinding{}
	cwmp := &mockCWMPDeliverer{}
	w := newTestWorker(store, binding, cwmp)

	task := pendingTask("task-1", "dev-1", datamodel.TaskTypeDiagnostic,
		map[string]interface{}{"diagnostic_type": "IPPing", "host": "8.8.8.8"})
	err := w.Execute(context.Background(), task)

	assert.NoError(t, err)
	// the task was never claimed and nothing was pushed to the device
	assert.Empty(t, store.processing)
	assert.Zero(t, binding.delivered)
	assert.Zero(t, cwmp.delivered)
	assert.Equal(t, 5*time.Minute, store.deferred["task-1"])
}

func TestExecuteCWMPRebootUsesConnectionRequest(t *testing.T) {
	store := newMockStore()
	store.devices["dev-1"] = &datamodel.Device{
		ID:                   "dev-1",
		SerialNumber:         "SN-1",
		Protocol:             datamodel.ProtocolCWMP,
		Online:               true,
		ConnectionRequestURL: "http://cpe.example:7547/cr",
	}
	binding := &mockBinding{}
	cwmp := &mockCWMPDeliverer{result: transport.DeliveryResult{Status: transport.DeliverySent, HTTPStatus: 204}}
	w := newTestWorker(store, binding, cwmp)

	err := w.Execute(context.Background(), pendingTask("task-1", "dev-1", datamodel.TaskTypeReboot, nil))

	assert.NoError(t, err)
	assert.Equal(t, 1, cwmp.delivered)
	assert.Zero(t, binding.delivered)
	assert.Contains(t, store.completed, "task-1")
}

func TestExecuteUnknownTaskTypeCompletesWithoutDelivery(t *testing.T) {
	store := newMockStore()
	store.devices["dev-1"] = uspHTTPDevice("dev-1")
	binding := &mockBinding{}
	w := newTestWorker(store, binding, &mockCWMPDeliverer{})

	err := w.Execute(context.Background(), pendingTask("task-1", "dev-1", datamodel.TaskType("factory_reset"), nil))

	assert.NoError(t, err)
	assert.Zero(t, binding.delivered)
	assert.Equal(t, "skipped", store.completed["task-1"]["transport_status"])
}

func TestExecuteMissingDeviceIsRetryable(t *testing.T) {
	store := newMockStore()
	binding := &mockBinding{}
	w := newTestWorker(store, binding, &mockCWMPDeliverer{})

	err := w.Execute(context.Background(), pendingTask("task-1", "dev-gone", datamodel.TaskTypeReboot, nil))

	assert.NoError(t, err)
	assert.Zero(t, binding.delivered)
	assert.Equal(t, 60*time.Second, store.requeued["task-1"])
	assert.Empty(t, store.failed)
}

func TestExecuteDownloadSuccessCompletesDeployment(t *testing.T) {
	store := newMockStore()
	store.devices["dev-1"] = uspHTTPDevice("dev-1")
	binding := &mockBinding{result: transport.DeliveryResult{Status: transport.DeliverySent, HTTPStatus: 200}}
	w := newTestWorker(store, binding, &mockCWMPDeliverer{})

	task := pendingTask("task-1", "dev-1", datamodel.TaskTypeDownload, map[string]interface{}{
		"url":           "http://firmware.example/firmware/fw-2.1.bin",
		"file_size":     float64(1048576),
		"firmware_id":   "fw-1",
		"deployment_id": "deploy-1",
	})
	err := w.Execute(context.Background(), task)

	assert.NoError(t, err)
	assert.Contains(t, store.completed, "task-1")
	assert.Equal(t, []string{"deploy-1"}, store.deploymentCompleted)
}

func TestExecuteDownloadTerminalFailureFailsDeployment(t *testing.T) {
	store := newMockStore()
	store.devices["dev-1"] = uspHTTPDevice("dev-1")
	binding := &mockBinding{err: errors.New("connection refused")}
	w := newTestWorker(store, binding, &mockCWMPDeliverer{})

	task := pendingTask("task-1", "dev-1", datamodel.TaskTypeDownload, map[string]interface{}{
		"url":           "http://firmware.example/firmware/fw-2.1.bin",
		"deployment_id": "deploy-1",
	})
	task.RetryCount = 2 // last attempt

	err := w.Execute(context.Background(), task)

	assert.NoError(t, err)
	assert.Equal(t, "connection refused", store.failed["task-1"])
	assert.Equal(t, "connection refused", store.deploymentFailed["deploy-1"])
	assert.Empty(t, store.deploymentCompleted)
}
