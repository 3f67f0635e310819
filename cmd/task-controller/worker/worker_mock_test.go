package worker

import (
	"context"
	"time"

	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/transport"
	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// mockStore records every state transition the engine asks for. Fields left
// nil mean "call not expected"; the recorded slices are what tests assert on.
type mockStore struct {
	devices map[string]*datamodel.Device
	// devicesByEndpoint resolves inbound endpoint ids
	devicesByEndpoint map[string]*datamodel.Device
	tasks             map[string]*datamodel.ProvisioningTask

	claimDenied bool

	processing []string
	completed  map[string]map[string]interface{}
	failed     map[string]string
	requeued   map[string]time.Duration
	deferred   map[string]time.Duration
	touched    []string

	checkinCompleted   []string
	checkinResultData  map[string]interface{}
	checkinReturnedIDs []string

	deploymentCompleted []string
	deploymentFailed    map[string]string
	diagnosticAdvanced  []string
	diagnosticCompleted map[string]map[string]interface{}
	diagnosticFailed    map[string]string
}

func newMockStore() *mockStore {
	return &mockStore{
		devices:             make(map[string]*datamodel.Device),
		devicesByEndpoint:   make(map[string]*datamodel.Device),
		tasks:               make(map[string]*datamodel.ProvisioningTask),
		completed:           make(map[string]map[string]interface{}),
		failed:              make(map[string]string),
		requeued:            make(map[string]time.Duration),
		deferred:            make(map[string]time.Duration),
		deploymentFailed:    make(map[string]string),
		diagnosticCompleted: make(map[string]map[string]interface{}),
		diagnosticFailed:    make(map[string]string),
	}
}

func (m *mockStore) FetchDueTask(ctx context.Context) (*datamodel.ProvisioningTask, error) {
	return nil, nil
}

func (m *mockStore) GetTaskByID(ctx context.Context, id string) (*datamodel.ProvisioningTask, error) {
	return m.tasks[id], nil
}

func (m *mockStore) MarkTaskProcessing(ctx context.Context, id string) (bool, error) {
	if m.claimDenied {
		return false, nil
	}
	m.processing = append(m.processing, id)
	return true, nil
}

func (m *mockStore) MarkTaskCompleted(ctx context.Context, id string, resultData map[string]interface{}) error {
	m.completed[id] = resultData
	return nil
}

func (m *mockStore) MarkTaskFailed(ctx context.Context, id string, errorMessage string) error {
	m.failed[id] = errorMessage
	return nil
}

func (m *mockStore) RequeueTask(ctx context.Context, id string, errorMessage string, delay time.Duration) error {
	m.requeued[id] = delay
	return nil
}

func (m *mockStore) DeferTask(ctx context.Context, id string, delay time.Duration) error {
	m.deferred[id] = delay
	return nil
}

func (m *mockStore) GetDeviceByID(ctx context.Context, id string) (*datamodel.Device, error) {
	return m.devices[id], nil
}

func (m *mockStore) GetDeviceByEndpointID(ctx context.Context, endpointID string) (*datamodel.Device, error) {
	return m.devicesByEndpoint[endpointID], nil
}

func (m *mockStore) TouchDeviceLastSeen(ctx context.Context, id string) error {
	m.touched = append(m.touched, id)
	return nil
}

func (m *mockStore) CompleteCheckinTasks(ctx context.Context, deviceID string, resultData map[string]interface{}) ([]string, error) {
	m.checkinCompleted = append(m.checkinCompleted, deviceID)
	m.checkinResultData = resultData
	return m.checkinReturnedIDs, nil
}

func (m *mockStore) MarkDeploymentCompleted(ctx context.Context, id string) error {
	m.deploymentCompleted = append(m.deploymentCompleted, id)
	return nil
}

func (m *mockStore) MarkDeploymentFailed(ctx context.Context, id string, errorMessage string) error {
	m.deploymentFailed[id] = errorMessage
	return nil
}

func (m *mockStore) MarkDiagnosticInProgress(ctx context.Context, id string) error {
	m.diagnosticAdvanced = append(m.diagnosticAdvanced, id)
	return nil
}

func (m *mockStore) MarkDiagnosticCompleted(ctx context.Context, id string, results map[string]interface{}) error {
	m.diagnosticCompleted[id] = results
	return nil
}

func (m *mockStore) MarkDiagnosticFailed(ctx context.Context, id string, errorMessage string) error {
	m.diagnosticFailed[id] = errorMessage
	return nil
}

// mockBinding replays one canned delivery outcome
type mockBinding struct {
	result transport.DeliveryResult
	err    error

	delivered int
	lastRec   datamodel.Record
}

func (m *mockBinding) Deliver(ctx context.Context, device *datamodel.Device, rec datamodel.Record, correlationID string) (transport.DeliveryResult, error) {
	m.delivered++
	m.lastRec = rec
	return m.result, m.err
}

type mockCWMPDeliverer struct {
	result transport.DeliveryResult
	err    error

	delivered int
}

func (m *mockCWMPDeliverer) DeliverCWMP(ctx context.Context, device *datamodel.Device, payload []byte, correlationID string) (transport.DeliveryResult, error) {
	m.delivered++
	return m.result, m.err
}

type mockPresence struct {
	touched []string
}

func (m *mockPresence) TouchLastSeen(ctx context.Context, deviceID string) error {
	m.touched = append(m.touched, deviceID)
	return nil
}
