package datamodel

// Task status transitions are forward-only, with a single loop: a retryable
// failure puts a processing task back to pending. Everything else is final.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusProcessing},
	TaskStatusProcessing: {TaskStatusCompleted, TaskStatusFailed, TaskStatusPending},
	TaskStatusCompleted:  {},
	TaskStatusFailed:     {},
}

// CanTransitionTask reports whether a task may move from one status to another
func CanTransitionTask(from TaskStatus, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalTaskStatus reports whether a task status will never change again
func IsTerminalTaskStatus(s TaskStatus) bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentStatusScheduled:   {DeploymentStatusDownloading, DeploymentStatusFailed},
	DeploymentStatusDownloading: {DeploymentStatusInstalling, DeploymentStatusFailed, DeploymentStatusScheduled},
	DeploymentStatusInstalling:  {DeploymentStatusCompleted, DeploymentStatusFailed},
	DeploymentStatusCompleted:   {},
	DeploymentStatusFailed:      {},
}

// CanTransitionDeployment reports whether a deployment may move between statuses.
// downloading -> scheduled is the orchestration retry loop.
func CanTransitionDeployment(from DeploymentStatus, to DeploymentStatus) bool {
	for _, next := range deploymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalDeploymentStatus reports whether a deployment status is final
func IsTerminalDeploymentStatus(s DeploymentStatus) bool {
	return s == DeploymentStatusCompleted || s == DeploymentStatusFailed
}
