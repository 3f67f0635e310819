package main

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

// SetupRestAPI initializes the REST API and starts listening
func SetupRestAPI(accounts gin.Accounts) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	// Healthcheck
	router.GET(
		"/", func(c *gin.Context) {
			if shutdownEnabled {
				c.String(http.StatusOK, "shutdown")
			} else {
				c.String(http.StatusOK, "online")
			}
		})

	v1 := router.Group("/api/v1", gin.BasicAuth(accounts))
	{
		v1.POST("/devices/:deviceID/tasks", postTaskHandler)
		v1.GET("/devices/:deviceID/tasks", getDeviceTasksHandler)
		v1.GET("/tasks/:taskID", getTaskHandler)
		v1.POST("/devices/:deviceID/deployments", postDeploymentHandler)
	}

	err := router.Run(":80")
	if err != nil {
		zap.S().Errorf("Failed to bind to port 80: %s", err)
		ShutdownApplicationGraceful()
	}
}

type createTaskRequest struct {
	TaskType   string                 `json:"task_type" binding:"required"`
	TaskData   map[string]interface{} `json:"task_data"`
	MaxRetries int                    `json:"max_retries"`
}

type createDeploymentRequest struct {
	FirmwareID string `json:"firmware_id" binding:"required"`
}

var knownTaskTypes = map[datamodel.TaskType]bool{
	datamodel.TaskTypeGetParameters: true,
	datamodel.TaskTypeSetParameters: true,
	datamodel.TaskTypeReboot:        true,
	datamodel.TaskTypeDownload:      true,
	datamodel.TaskTypeDiagnostic:    true,
	datamodel.TaskTypeNetworkScan:   true,
}

// checkinAnswered reports whether a task type is answered on the device's
// own periodic check-in instead of being pushed
func checkinAnswered(taskType datamodel.TaskType) bool {
	return taskType == datamodel.TaskTypeDiagnostic || taskType == datamodel.TaskTypeNetworkScan
}

// checkDeviceDeliverable rejects task creation against a device that could
// never receive the command, so the problem surfaces at submit time and not
// as a retry loop in the engine
func checkDeviceDeliverable(device *datamodel.Device, taskType datamodel.TaskType) *datamodel.TransportError {
	if device.Protocol == datamodel.ProtocolCWMP {
		// check-in-answered tasks are never pushed, they need no URL
		if checkinAnswered(taskType) {
			return nil
		}
		if device.ConnectionRequestURL == "" {
			return datamodel.ErrMissingHTTPURL
		}
		return nil
	}
	return datamodel.ValidateTransport(device)
}

// statusForTransportError distinguishes "come back later" from "fix your
// device record"
func statusForTransportError(transportError *datamodel.TransportError) int {
	if transportError == datamodel.ErrDeviceOffline {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnprocessableEntity
}

func postTaskHandler(c *gin.Context) {
	deviceID := c.Param("deviceID")

	var request createTaskRequest
	if err := c.BindJSON(&request); err != nil {
		handleInvalidInputError(c, err)
		return
	}
	taskType := datamodel.TaskType(request.TaskType)
	if !knownTaskTypes[taskType] {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown task_type " + request.TaskType})
		return
	}

	device, err := getDeviceByID(c.Request.Context(), deviceID)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	if device == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device " + deviceID + " not found"})
		return
	}
	if transportError := checkDeviceDeliverable(device, taskType); transportError != nil {
		c.JSON(statusForTransportError(transportError), gin.H{
			"error": transportError.Message,
			"code":  transportError.Code,
		})
		return
	}

	task := &datamodel.ProvisioningTask{
		DeviceID:   deviceID,
		Type:       taskType,
		TaskData:   request.TaskData,
		MaxRetries: request.MaxRetries,
	}
	if err := insertTask(c.Request.Context(), task); err != nil {
		handleInternalServerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func getTaskHandler(c *gin.Context) {
	task, err := getTaskByID(c.Request.Context(), c.Param("taskID"))
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

func getDeviceTasksHandler(c *gin.Context) {
	tasks, err := getTasksForDevice(c.Request.Context(), c.Param("deviceID"), 100)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*datamodel.ProvisioningTask{}
	}
	c.JSON(http.StatusOK, tasks)
}

func postDeploymentHandler(c *gin.Context) {
	deviceID := c.Param("deviceID")

	var request createDeploymentRequest
	if err := c.BindJSON(&request); err != nil {
		handleInvalidInputError(c, err)
		return
	}

	device, err := getDeviceByID(c.Request.Context(), deviceID)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	if device == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "device " + deviceID + " not found"})
		return
	}

	firmware, err := getFirmwareByID(c.Request.Context(), request.FirmwareID)
	if err != nil {
		handleInternalServerError(c, err)
		return
	}
	if firmware == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "firmware " + request.FirmwareID + " not found"})
		return
	}

	deployment := &datamodel.FirmwareDeployment{
		DeviceID:   deviceID,
		FirmwareID: firmware.ID,
	}
	if err := insertDeployment(c.Request.Context(), deployment); err != nil {
		handleInternalServerError(c, err)
		return
	}
	c.JSON(http.StatusCreated, deployment)
}

func handleInternalServerError(c *gin.Context, err error) {
	zap.S().Errorw(
		"Internal server error",
		"error", err,
	)
	c.String(http.StatusInternalServerError, "The server had an internal error.")
}

func handleInvalidInputError(c *gin.Context, err error) {
	zap.S().Errorw(
		"Invalid input error",
		"error", err,
	)
	c.String(http.StatusBadRequest, "You have provided a wrong input. Please check your parameters")
}
