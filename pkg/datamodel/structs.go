package datamodel

import (
	"fmt"
	"time"
)

// TaskType is the kind of work a ProvisioningTask carries to a device
type TaskType string

const (
	TaskTypeGetParameters TaskType = "get_parameters"
	TaskTypeSetParameters TaskType = "set_parameters"
	TaskTypeReboot        TaskType = "reboot"
	TaskTypeDownload      TaskType = "download"
	TaskTypeDiagnostic    TaskType = "diagnostic"
	TaskTypeNetworkScan   TaskType = "network_scan"
)

// TaskStatus is the lifecycle state of a ProvisioningTask
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// DefaultMaxRetries is applied to tasks created without an explicit retry limit
const DefaultMaxRetries = 3

// ProvisioningTask is one unit of work against one device.
// TaskData is a free-form parameter bag whose shape depends on Type,
// ResultData carries raw delivery metadata (transport status, HTTP code/body, ...).
type ProvisioningTask struct {
	ID           string                 `json:"id"`
	DeviceID     string                 `json:"device_id"`
	Type         TaskType               `json:"task_type"`
	Status       TaskStatus             `json:"status"`
	TaskData     map[string]interface{} `json:"task_data"`
	ResultData   map[string]interface{} `json:"result_data"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	ErrorMessage string                 `json:"error_message"`
	ScheduledAt  time.Time              `json:"scheduled_at"`
	StartedAt    *time.Time             `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at"`
	CreatedAt    time.Time              `json:"created_at"`
}

// DeploymentID returns the firmware deployment linked through the task's
// parameter bag, or "" if the task does not belong to a deployment.
func (t *ProvisioningTask) DeploymentID() string {
	return stringFromBag(t.TaskData, "deployment_id")
}

// DiagnosticID returns the diagnostic linked through the task's parameter bag.
func (t *ProvisioningTask) DiagnosticID() string {
	return stringFromBag(t.TaskData, "diagnostic_id")
}

func stringFromBag(bag map[string]interface{}, key string) string {
	if bag == nil {
		return ""
	}
	if v, ok := bag[key].(string); ok {
		return v
	}
	return ""
}

// DeploymentStatus is the lifecycle state of a FirmwareDeployment
type DeploymentStatus string

const (
	DeploymentStatusScheduled   DeploymentStatus = "scheduled"
	DeploymentStatusDownloading DeploymentStatus = "downloading"
	DeploymentStatusInstalling  DeploymentStatus = "installing"
	DeploymentStatusCompleted   DeploymentStatus = "completed"
	DeploymentStatusFailed      DeploymentStatus = "failed"
)

// FirmwareDeployment tracks one firmware rollout to one device.
// It owns at most one active download task at a time, linked through
// the task's deployment_id.
type FirmwareDeployment struct {
	ID               string           `json:"id"`
	DeviceID         string           `json:"device_id"`
	FirmwareID       string           `json:"firmware_id"`
	Status           DeploymentStatus `json:"status"`
	RetryCount       int              `json:"retry_count"`
	DownloadProgress int              `json:"download_progress"`
	ErrorMessage     string           `json:"error_message"`
	StartedAt        *time.Time       `json:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at"`
}

// Firmware is a catalog entry referenced by deployments
type Firmware struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// DiagnosticType is the concrete diagnostic a device is asked to run
type DiagnosticType string

const (
	DiagnosticIPPing              DiagnosticType = "IPPing"
	DiagnosticTraceRoute          DiagnosticType = "TraceRoute"
	DiagnosticDownloadDiagnostics DiagnosticType = "DownloadDiagnostics"
	DiagnosticUploadDiagnostics   DiagnosticType = "UploadDiagnostics"
)

// DiagnosticStatus is the lifecycle state of a Diagnostic
type DiagnosticStatus string

const (
	DiagnosticStatusPending    DiagnosticStatus = "pending"
	DiagnosticStatusInProgress DiagnosticStatus = "in_progress"
	DiagnosticStatusCompleted  DiagnosticStatus = "completed"
	DiagnosticStatusFailed     DiagnosticStatus = "failed"
)

// Diagnostic tracks one diagnostic run on one device
type Diagnostic struct {
	ID           string                 `json:"id"`
	DeviceID     string                 `json:"device_id"`
	Type         DiagnosticType         `json:"diagnostic_type"`
	Status       DiagnosticStatus       `json:"status"`
	Results      map[string]interface{} `json:"results"`
	ErrorMessage string                 `json:"error_message"`
}

// ProtocolFamily is the device management protocol a device speaks
type ProtocolFamily string

const (
	ProtocolCWMP ProtocolFamily = "cwmp"
	ProtocolUSP  ProtocolFamily = "usp"
)

// TransportKind is the message transfer protocol binding of a USP device
type TransportKind string

const (
	TransportHTTP      TransportKind = "http"
	TransportMQTT      TransportKind = "mqtt"
	TransportWebsocket TransportKind = "websocket"
	// TransportXMPP is recognized but not implemented
	TransportXMPP TransportKind = "xmpp"
)

// Device is the read-only projection of a device as the directory exposes it.
// The controller never writes device identity or addressing, only last-seen.
type Device struct {
	ID           string         `json:"id"`
	SerialNumber string         `json:"serial_number"`
	Protocol     ProtocolFamily `json:"protocol"`
	Transport    TransportKind  `json:"transport"`
	Online       bool           `json:"online"`

	// CWMP / USP-over-HTTP addressing
	ConnectionRequestURL      string `json:"connection_request_url"`
	ConnectionRequestUsername string `json:"connection_request_username"`
	ConnectionRequestPassword string `json:"connection_request_password"`

	// USP addressing
	USPEndpointID     string `json:"usp_endpoint_id"`
	MQTTClientID      string `json:"mqtt_client_id"`
	WebsocketClientID string `json:"websocket_client_id"`

	LastSeen *time.Time `json:"last_seen"`
}

// EndpointID returns the device's USP endpoint identifier. Devices that have
// not reported one yet get a deterministic per-device fallback derived from
// the serial number, so that freshly onboarded devices stay addressable.
// Transport-specific addressing (URL, broker/socket client ids) never falls
// back like this.
func (d *Device) EndpointID() string {
	if d.USPEndpointID != "" {
		return d.USPEndpointID
	}
	return fmt.Sprintf("proto::%s", d.SerialNumber)
}
