package deploy

import (
	"fmt"

	"github.com/cortexdc/orchestrator/internal/models"
)

// RollbackError reports a failed rollback step. It is distinct from an
// ordinary step failure: teardown, not forward progress, needs attention,
// and nothing retries it automatically.
type RollbackError struct {
	DeploymentID string
	Step         string
	Cause        string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of deployment %s failed at step %s: %s (manual remediation required)", e.DeploymentID, e.Step, e.Cause)
}

// RollbackResult is returned by ExecuteRollback.
type RollbackResult struct {
	Status models.RollbackStatus `json:"status"`
	Steps  []models.RollbackStep `json:"steps"`
}

// computeRollbackPlan derives the inverse actions for a failed deployment:
// one rollback step per completed forward step that declares a rollbackType,
// in strict reverse completion order. Skipped steps applied nothing and are
// excluded.
func computeRollbackPlan(def models.ScenarioDefinition, results []models.StepResult) []models.RollbackStep {
	var plan []models.RollbackStep
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.Status != models.StepCompleted {
			continue
		}
		idx := def.StepIndex(r.StepID)
		if idx < 0 {
			continue
		}
		step := def.Steps[idx]
		if step.RollbackType == "" {
			continue
		}
		plan = append(plan, models.RollbackStep{
			ForStep: step.StepID,
			Type:    step.RollbackType,
			Config:  step.Config,
			Status:  models.StepPending,
		})
	}
	return plan
}
