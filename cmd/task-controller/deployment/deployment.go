package deployment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/cmd/task-controller/postgresql"
	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// deploymentRetryDelay is deliberately longer than the task retry delay;
// a deployment retry re-runs the whole orchestration, not one send
const deploymentRetryDelay = 120 * time.Second

const maxDeploymentRetries = 3

// Store is the persistence slice the orchestrator needs
type Store interface {
	FetchScheduledDeployment(ctx context.Context) (*datamodel.FirmwareDeployment, error)
	MarkDeploymentDownloading(ctx context.Context, id string) (bool, error)
	MarkDeploymentInstalling(ctx context.Context, id string) error
	MarkDeploymentFailed(ctx context.Context, id string, errorMessage string) error
	RequeueDeployment(ctx context.Context, id string, errorMessage string, delay time.Duration) error

	GetDeviceByID(ctx context.Context, id string) (*datamodel.Device, error)
	GetFirmwareByID(ctx context.Context, id string) (*datamodel.Firmware, error)
	InsertTask(ctx context.Context, task *datamodel.ProvisioningTask) error
}

var (
	deploymentsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_deployments_started_total",
			Help: "The total number of firmware deployments that entered downloading",
		},
	)
	deploymentsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_deployments_requeued_total",
			Help: "The total number of deployment orchestration retries",
		},
	)
	deploymentsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskcontroller_deployments_failed_total",
			Help: "The total number of deployments that failed before their download task ran",
		},
	)
)

// Orchestrator turns scheduled firmware deployments into download tasks
type Orchestrator struct {
	store           Store
	firmwareBaseURL string

	shuttingDown atomic.Bool
}

var orchestrator *Orchestrator
var once sync.Once

// Init starts the deployment poll loop
func Init() *Orchestrator {
	once.Do(func() {
		firmwareBaseURL, err := env.GetAsString("FIRMWARE_BASE_URL", false, "http://firmware-catalog")
		if err != nil {
			zap.S().Error(err)
		}

		orchestrator = &Orchestrator{
			store:           postgresql.GetOrInit(),
			firmwareBaseURL: firmwareBaseURL,
		}
		go orchestrator.startPollLoop()
	})
	return orchestrator
}

// Shutdown asks the poll loop to stop
func (o *Orchestrator) Shutdown() {
	o.shuttingDown.Store(true)
}

func (o *Orchestrator) startPollLoop() {
	zap.S().Debugf("Started deployment poll loop")
	for {
		if o.shuttingDown.Load() {
			return
		}
		deployment, err := o.store.FetchScheduledDeployment(context.Background())
		if err != nil {
			zap.S().Errorf("Failed to fetch scheduled deployment: %s", err)
			time.Sleep(time.Second)
			continue
		}
		if deployment == nil {
			time.Sleep(time.Second)
			continue
		}
		if err := o.ProcessScheduled(context.Background(), deployment); err != nil {
			zap.S().Errorf("Deployment %s orchestration hit a store error: %s", deployment.ID, err)
			time.Sleep(time.Second)
		}
	}
}

// ProcessScheduled moves one scheduled deployment into downloading and creates
// its download task. Orchestration problems become the deployment's own
// retry/fail transitions; the returned error only signals an unreachable store.
func (o *Orchestrator) ProcessScheduled(ctx context.Context, deployment *datamodel.FirmwareDeployment) error {
	if !datamodel.CanTransitionDeployment(deployment.Status, datamodel.DeploymentStatusDownloading) {
		zap.S().Debugf("Deployment %s is %s, nothing to do", deployment.ID, deployment.Status)
		return nil
	}

	claimed, err := o.store.MarkDeploymentDownloading(ctx, deployment.ID)
	if err != nil {
		return err
	}
	if !claimed {
		zap.S().Debugf("Deployment %s was claimed elsewhere, nothing to do", deployment.ID)
		return nil
	}
	deploymentsStarted.Inc()

	if err := o.createDownloadTask(ctx, deployment); err != nil {
		return o.handleFailure(ctx, deployment, err)
	}

	// the deployment now waits for its download task; the task cascade
	// finishes or fails it
	if err := o.store.MarkDeploymentInstalling(ctx, deployment.ID); err != nil {
		return err
	}
	zap.S().Infof("Deployment %s for device %s is underway", deployment.ID, deployment.DeviceID)
	return nil
}

func (o *Orchestrator) createDownloadTask(ctx context.Context, deployment *datamodel.FirmwareDeployment) error {
	firmware, err := o.store.GetFirmwareByID(ctx, deployment.FirmwareID)
	if err != nil {
		return err
	}
	if firmware == nil {
		return fmt.Errorf("firmware %s not found", deployment.FirmwareID)
	}

	device, err := o.store.GetDeviceByID(ctx, deployment.DeviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("device %s not found", deployment.DeviceID)
	}

	task := &datamodel.ProvisioningTask{
		DeviceID: deployment.DeviceID,
		Type:     datamodel.TaskTypeDownload,
		Status:   datamodel.TaskStatusPending,
		TaskData: map[string]interface{}{
			"url":           o.DownloadURL(firmware),
			"file_size":     float64(firmware.FileSize),
			"firmware_id":   firmware.ID,
			"deployment_id": deployment.ID,
		},
	}
	return o.store.InsertTask(ctx, task)
}

// DownloadURL is where the device fetches the image from
func (o *Orchestrator) DownloadURL(firmware *datamodel.Firmware) string {
	return fmt.Sprintf("%s/firmware/%s", strings.TrimRight(o.firmwareBaseURL, "/"), firmware.FileName)
}

func (o *Orchestrator) handleFailure(ctx context.Context, deployment *datamodel.FirmwareDeployment, cause error) error {
	deployment.RetryCount++
	if deployment.RetryCount >= maxDeploymentRetries {
		zap.S().Warnf("Deployment %s failed terminally after %d attempts: %s", deployment.ID, deployment.RetryCount, cause)
		deploymentsFailed.Inc()
		return o.store.MarkDeploymentFailed(ctx, deployment.ID, cause.Error())
	}

	zap.S().Infof("Deployment %s attempt %d/%d failed, retrying in %s: %s", deployment.ID, deployment.RetryCount, maxDeploymentRetries, deploymentRetryDelay, cause)
	deploymentsRequeued.Inc()
	return o.store.RequeueDeployment(ctx, deployment.ID, cause.Error(), deploymentRetryDelay)
}
