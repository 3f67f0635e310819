package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/united-broadband-hub/united-broadband-hub/pkg/datamodel"
)

type taskOutcome string

const (
	outcomeCompleted taskOutcome = "completed"
	outcomeFailed    taskOutcome = "failed"
)

type cascadeAction int

const (
	cascadeNone cascadeAction = iota
	cascadeCompleteDeployment
	cascadeFailDeployment
	cascadeAdvanceDiagnostic
	cascadeFailDiagnostic
)

// cascadeFor is the one place that decides which dependent entity a task
// outcome touches. A terminal task outcome reaches exactly the entity linked
// through its parameter bag, never anything else.
func cascadeFor(task *datamodel.ProvisioningTask, outcome taskOutcome) cascadeAction {
	switch {
	case task.Type == datamodel.TaskTypeDownload && task.DeploymentID() != "":
		if outcome == outcomeCompleted {
			return cascadeCompleteDeployment
		}
		return cascadeFailDeployment
	case task.Type == datamodel.TaskTypeDiagnostic && task.DiagnosticID() != "":
		if outcome == outcomeCompleted {
			return cascadeAdvanceDiagnostic
		}
		return cascadeFailDiagnostic
	}
	return cascadeNone
}

func (w *Worker) applyCascade(ctx context.Context, task *datamodel.ProvisioningTask, outcome taskOutcome, errorMessage string) {
	var err error
	switch cascadeFor(task, outcome) {
	case cascadeNone:
		return
	case cascadeCompleteDeployment:
		err = w.store.MarkDeploymentCompleted(ctx, task.DeploymentID())
	case cascadeFailDeployment:
		err = w.store.MarkDeploymentFailed(ctx, task.DeploymentID(), errorMessage)
	case cascadeAdvanceDiagnostic:
		err = w.store.MarkDiagnosticInProgress(ctx, task.DiagnosticID())
	case cascadeFailDiagnostic:
		err = w.store.MarkDiagnosticFailed(ctx, task.DiagnosticID(), errorMessage)
	}
	if err != nil {
		zap.S().Errorf("Cascade for task %s (%s) failed: %s", task.ID, outcome, err)
	}
}
