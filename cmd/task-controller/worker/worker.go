package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/codec"
	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/postgresql"
	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/transport"
	"github.com/united-broadband-hub/united-broadband-hub/internal"
	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// Store is everything the engine persists through. *postgresql.Connection
// implements it; tests swap in a mock.
type Store interface {
	FetchDueTask(ctx context.Context) (*datamodel.ProvisioningTask, error)
	GetTaskByID(ctx context.Context, id string) (*datamodel.ProvisioningTask, error)
	MarkTaskProcessing(ctx context.Context, id string) (bool, error)
	MarkTaskCompleted(ctx context.Context, id string, resultData map[string]interface{}) error
	MarkTaskFailed(ctx context.Context, id string, errorMessage string) error
	RequeueTask(ctx context.Context, id string, errorMessage string, delay time.Duration) error
	DeferTask(ctx context.Context, id string, delay time.Duration) error

	GetDeviceByID(ctx context.Context, id string) (*datamodel.Device, error)
	GetDeviceByEndpointID(ctx context.Context, endpointID string) (*datamodel.Device, error)
	TouchDeviceLastSeen(ctx context.Context, id string) error
	CompleteCheckinTasks(ctx context.Context, deviceID string, resultData map[string]interface{}) ([]string, error)

	MarkDeploymentCompleted(ctx context.Context, id string) error
	MarkDeploymentFailed(ctx context.Context, id string, errorMessage string) error
	MarkDiagnosticInProgress(ctx context.Context, id string) error
	MarkDiagnosticCompleted(ctx context.Context, id string, results map[string]interface{}) error
	MarkDiagnosticFailed(ctx context.Context, id string, errorMessage string) error
}

// cwmpDeliverer is the direct connection-request path for CWMP devices
type cwmpDeliverer interface {
	DeliverCWMP(ctx context.Context, device *datamodel.Device, payload []byte, correlationID string) (transport.DeliveryResult, error)
}

// presenceTracker is the slice of the shared connection registry the
// response routine stamps
type presenceTracker interface {
	TouchLastSeen(ctx context.Context, deviceID string) error
}

// Prometheus metrics
var (
	tasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_tasks_completed_total",
			Help: "The total number of tasks that reached completed",
		},
	)
	tasksFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_tasks_failed_total",
			Help: "The total number of tasks that reached terminal failure",
		},
	)
	tasksRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_tasks_requeued_total",
			Help: "The total number of retryable task failures",
		},
	)
	tasksDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_tasks_deferred_total",
			Help: "The total number of tasks left pending for the device's next check-in",
		},
	)
)

// Worker runs the task state machine. Many workers run concurrently; all
// coordination happens through the store, never in memory.
type Worker struct {
	store     Store
	generator codec.Generator
	cwmp      cwmpDeliverer
	presence  presenceTracker

	// selectBinding is transport.Select, injectable for tests
	selectBinding func(device *datamodel.Device) (transport.Binding, error)

	controllerEndpointID string
	attemptTimeout       time.Duration
	retryDelay           time.Duration
	checkinDeferDelay    time.Duration

	shuttingDown atomic.Bool
}

var worker *Worker
var once sync.Once

// Init wires the engine against the real collaborators and starts the work
// loops
func Init() *Worker {
	once.Do(func() {
		controllerEndpointID, err := env.GetAsString("USP_CONTROLLER_ENDPOINT_ID", false, "self::acs-controller")
		if err != nil {
			zap.S().Error(err)
		}
		workerCount, err := env.GetAsInt("TASK_WORKER_COUNT", false, 4)
		if err != nil {
			zap.S().Error(err)
		}
		retryDelaySeconds, err := env.GetAsInt("TASK_RETRY_DELAY_SECONDS", false, 60)
		if err != nil {
			zap.S().Error(err)
		}

		worker = &Worker{
			store:                postgresql.GetOrInit(),
			generator:            codec.NewEnvelopeGenerator(),
			cwmp:                 transport.NewHTTPBinding(nil),
			presence:             internal.RedisRegistry{},
			selectBinding:        transport.Select,
			controllerEndpointID: controllerEndpointID,
			attemptTimeout:       30 * time.Second,
			retryDelay:           time.Duration(retryDelaySeconds) * time.Second,
			checkinDeferDelay:    5 * time.Minute,
		}

		for i := 0; i < workerCount; i++ {
			go worker.startWorkLoop()
		}
		go worker.startResponseLoop()
	})
	return worker
}

// Shutdown asks the loops to stop picking up new work
func (w *Worker) Shutdown() {
	w.shuttingDown.Store(true)
}

func (w *Worker) startWorkLoop() {
	zap.S().Debugf("Started task work loop")
	for {
		if w.shuttingDown.Load() {
			return
		}
		task, err := w.store.FetchDueTask(context.Background())
		if err != nil {
			zap.S().Errorf("Failed to fetch due task: %s", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if err := w.Execute(context.Background(), task); err != nil {
			zap.S().Errorf("Task %s execution hit a store error: %s", task.ID, err)
			time.Sleep(time.Second)
		}
	}
}
