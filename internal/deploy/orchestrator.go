// Package deploy implements the scenario deployment orchestrator: the single
// entry point that owns the deployment state machine and coordinates step
// execution, rollback, and cleanup.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/cortexdc/orchestrator/internal/audit"
	"github.com/cortexdc/orchestrator/internal/auth"
	"github.com/cortexdc/orchestrator/internal/catalog"
	"github.com/cortexdc/orchestrator/internal/cleanup"
	"github.com/cortexdc/orchestrator/internal/executor"
	"github.com/cortexdc/orchestrator/internal/models"
	"github.com/cortexdc/orchestrator/internal/store"
)

// lockTable enforces at-most-one in-flight mutating operation per
// deployment. A busy deployment rejects further operations with
// store.ErrConflict rather than queueing them.
type lockTable struct {
	mu   sync.Mutex
	busy map[uuid.UUID]bool
}

func newLockTable() *lockTable {
	return &lockTable{busy: map[uuid.UUID]bool{}}
}

func (t *lockTable) tryAcquire(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy[id] {
		return false
	}
	t.busy[id] = true
	return true
}

func (t *lockTable) release(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.busy, id)
}

// Orchestrator is the sole writer of deployment records. The step executor
// and cleanup manager report outcomes back here rather than mutating the
// store themselves.
type Orchestrator struct {
	store   store.Store
	exec    *executor.Executor
	guard   *auth.Guard
	audit   audit.Log
	cleanup *cleanup.Manager
	locks   *lockTable
}

func New(st store.Store, exec *executor.Executor, guard *auth.Guard, auditLog audit.Log, cleanupMgr *cleanup.Manager) *Orchestrator {
	return &Orchestrator{
		store:   st,
		exec:    exec,
		guard:   guard,
		audit:   auditLog,
		cleanup: cleanupMgr,
		locks:   newLockTable(),
	}
}

type DeployRequest struct {
	ScenarioID  string          `json:"scenarioId"`
	POVID       string          `json:"povId"`
	Environment string          `json:"environment"`
	Parameters  json.RawMessage `json:"parameters"`
}

// DeployScenario creates a new deployment of the active version of a
// scenario, pinned to that version for its entire lifetime.
func (o *Orchestrator) DeployScenario(ctx context.Context, req DeployRequest, actor auth.Actor) (models.Deployment, error) {
	if req.ScenarioID == "" || req.POVID == "" || req.Environment == "" {
		return models.Deployment{}, fmt.Errorf("scenarioId, povId, and environment required")
	}
	if err := o.guard.CanDeploy(actor); err != nil {
		o.record(ctx, audit.ActionDeployDenied, actor, req.ScenarioID, map[string]string{"reason": "deploy permission missing"})
		return models.Deployment{}, err
	}

	def, err := o.store.GetActiveScenario(ctx, req.ScenarioID)
	if err != nil {
		return models.Deployment{}, err
	}

	d, err := o.store.CreateDeployment(ctx, store.DeploymentInput{
		ScenarioRef:     def.ID,
		ScenarioID:      def.ScenarioID,
		ScenarioVersion: def.Version,
		POVID:           req.POVID,
		Environment:     req.Environment,
		Parameters:      req.Parameters,
		Status:          models.DeploymentDeploying,
		CreatedBy:       actor.ID,
	})
	if err != nil {
		return models.Deployment{}, err
	}
	if err := o.store.IncrementExecutions(ctx, def.ID); err != nil {
		log.Printf("[deploy] increment executions for %s: %v", def.ScenarioID, err)
	}
	o.record(ctx, audit.ActionScenarioDeployed, actor, d.ID.String(), map[string]string{
		"scenarioId": def.ScenarioID,
		"version":    def.Version,
		"povId":      req.POVID,
	})
	return d, nil
}

// ExecuteStep runs the step at the deployment's current index. The stepId
// must match that step: steps execute strictly in declared order. An
// operational step failure is returned as a failed StepResult, not an error,
// and drives the deployment into failed with a precomputed rollback plan
// when the scenario supports one.
func (o *Orchestrator) ExecuteStep(ctx context.Context, deploymentID uuid.UUID, stepID string, actor auth.Actor) (models.StepResult, error) {
	if !o.locks.tryAcquire(deploymentID) {
		return models.StepResult{}, fmt.Errorf("deployment %s has an operation in flight: %w", deploymentID, store.ErrConflict)
	}
	defer o.locks.release(deploymentID)

	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return models.StepResult{}, err
	}
	if err := o.guard.CanOperate(actor, d.CreatedBy); err != nil {
		return models.StepResult{}, err
	}
	if d.Status != models.DeploymentDeploying {
		return models.StepResult{}, fmt.Errorf("deployment %s is %s, not deploying: %w", d.ID, d.Status, store.ErrConflict)
	}

	def, err := o.store.GetScenarioVersion(ctx, d.ScenarioRef)
	if err != nil {
		return models.StepResult{}, err
	}
	if d.CurrentStepIndex >= len(def.Steps) {
		return models.StepResult{}, fmt.Errorf("all %d steps already executed: %w", len(def.Steps), store.ErrConflict)
	}
	step := def.Steps[d.CurrentStepIndex]
	if step.StepID != stepID {
		return models.StepResult{}, fmt.Errorf("next step is %q, not %q: %w", step.StepID, stepID, store.ErrConflict)
	}

	params := map[string]interface{}{}
	if len(d.Parameters) > 0 {
		if err := json.Unmarshal(d.Parameters, &params); err != nil {
			return models.StepResult{}, fmt.Errorf("decode parameters: %w", err)
		}
	}
	run, err := catalog.ShouldRun(step, params)
	if err != nil {
		return models.StepResult{}, err
	}
	if !run {
		result := models.StepResult{StepID: step.StepID, Status: models.StepSkipped}
		d.StepResults = append(d.StepResults, result)
		d.CurrentStepIndex++
		if _, err := o.store.UpdateDeployment(ctx, d); err != nil {
			return models.StepResult{}, err
		}
		o.record(ctx, audit.ActionStepExecuted, actor, d.ID.String(), map[string]string{"stepId": step.StepID, "status": string(models.StepSkipped)})
		return result, nil
	}

	outcome, execErr := o.exec.Execute(ctx, step, executor.Context{DeploymentID: d.ID, Parameters: d.Parameters})
	if execErr != nil {
		// Infrastructure fault. The step's true effect is unknown, so the
		// deployment is failed and the fault is surfaced, not swallowed.
		if failErr := o.failDeployment(ctx, &d, def, models.StepResult{
			StepID: step.StepID,
			Status: models.StepFailed,
			Error:  execErr.Error(),
		}); failErr != nil {
			log.Printf("[deploy] deployment %s: record infrastructure fault: %v", d.ID, failErr)
		}
		return models.StepResult{}, fmt.Errorf("step %s infrastructure fault: %w", step.StepID, execErr)
	}

	result := models.StepResult{
		StepID:     step.StepID,
		Status:     outcome.Status,
		Result:     outcome.Result,
		Error:      outcome.Error,
		DurationMs: outcome.DurationMs,
	}

	if outcome.Status == models.StepFailed {
		if err := o.failDeployment(ctx, &d, def, result); err != nil {
			return models.StepResult{}, err
		}
		o.record(ctx, audit.ActionStepExecuted, actor, d.ID.String(), map[string]string{"stepId": step.StepID, "status": string(models.StepFailed), "error": result.Error})
		return result, nil
	}

	d.StepResults = append(d.StepResults, result)
	d.CurrentStepIndex++
	if _, err := o.store.UpdateDeployment(ctx, d); err != nil {
		return models.StepResult{}, err
	}
	o.record(ctx, audit.ActionStepExecuted, actor, d.ID.String(), map[string]string{"stepId": step.StepID, "status": string(models.StepCompleted)})
	return result, nil
}

// failDeployment records the failed result, transitions the deployment to
// failed, and precomputes the rollback plan immediately when the scenario
// supports rollback, without waiting for a further call.
func (o *Orchestrator) failDeployment(ctx context.Context, d *models.Deployment, def models.ScenarioDefinition, result models.StepResult) error {
	d.StepResults = append(d.StepResults, result)
	d.Status = models.DeploymentFailed
	failed := result.StepID
	d.FailedStep = &failed
	if def.RollbackSupported {
		d.RollbackSteps = computeRollbackPlan(def, d.StepResults)
		d.RollbackStatus = models.RollbackInProgress
	}
	updated, err := o.store.UpdateDeployment(ctx, *d)
	if err != nil {
		return err
	}
	*d = updated
	return nil
}

// ExecuteRollback runs the precomputed rollback plan sequentially. Invoking
// it on an already rolled-back deployment is a no-op returning the existing
// result; no teardown is re-executed. A failed rollback step halts the plan
// and flags the deployment for manual remediation; a later invocation (the
// manual remediation path) resumes from the step that failed.
func (o *Orchestrator) ExecuteRollback(ctx context.Context, deploymentID uuid.UUID, actor auth.Actor) (RollbackResult, error) {
	if !o.locks.tryAcquire(deploymentID) {
		return RollbackResult{}, fmt.Errorf("deployment %s has an operation in flight: %w", deploymentID, store.ErrConflict)
	}
	defer o.locks.release(deploymentID)

	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return RollbackResult{}, err
	}
	if err := o.guard.CanOperate(actor, d.CreatedBy); err != nil {
		return RollbackResult{}, err
	}

	if d.Status == models.DeploymentRolledBack && d.RollbackStatus == models.RollbackCompleted {
		return RollbackResult{Status: d.RollbackStatus, Steps: d.RollbackSteps}, nil
	}
	if d.Status != models.DeploymentFailed {
		return RollbackResult{}, fmt.Errorf("deployment %s is %s, not failed: %w", d.ID, d.Status, store.ErrConflict)
	}
	if d.RollbackStatus != models.RollbackInProgress && d.RollbackStatus != models.RollbackFailed {
		return RollbackResult{}, fmt.Errorf("deployment %s has no rollback pending: %w", d.ID, store.ErrConflict)
	}

	for i := range d.RollbackSteps {
		rb := &d.RollbackSteps[i]
		if rb.Status == models.StepCompleted {
			continue
		}
		rb.Status = models.StepRunning
		outcome, execErr := o.exec.ExecuteRollback(ctx, *rb, executor.Context{DeploymentID: d.ID, Parameters: d.Parameters})
		if execErr != nil || outcome.Status == models.StepFailed {
			cause := outcome.Error
			if execErr != nil {
				cause = execErr.Error()
			}
			rb.Status = models.StepFailed
			rb.Error = cause
			d.RollbackStatus = models.RollbackFailed
			if _, err := o.store.UpdateDeployment(ctx, d); err != nil {
				return RollbackResult{}, err
			}
			return RollbackResult{Status: d.RollbackStatus, Steps: d.RollbackSteps},
				&RollbackError{DeploymentID: d.ID.String(), Step: rb.ForStep, Cause: cause}
		}
		rb.Status = models.StepCompleted
		rb.Error = ""
	}

	d.RollbackStatus = models.RollbackCompleted
	d.Status = models.DeploymentRolledBack
	updated, err := o.store.UpdateDeployment(ctx, d)
	if err != nil {
		return RollbackResult{}, err
	}
	o.record(ctx, audit.ActionRollbackExecuted, actor, d.ID.String(), map[string]string{"steps": fmt.Sprintf("%d", len(d.RollbackSteps))})

	// Resources provisioned before the failure are owed removal once the
	// rollback lands.
	if o.cleanup != nil && len(updated.Resources) > 0 {
		cleaned, res, err := o.cleanup.Cleanup(ctx, updated)
		if err != nil {
			return RollbackResult{Status: updated.RollbackStatus, Steps: updated.RollbackSteps},
				fmt.Errorf("cleanup after rollback: %w", err)
		}
		updated = cleaned
		o.record(ctx, audit.ActionCleanupExecuted, actor, d.ID.String(), map[string]interface{}{
			"status":  res.Status,
			"cleaned": len(res.CleanedResources),
			"failed":  len(res.Failed),
		})
	}
	return RollbackResult{Status: updated.RollbackStatus, Steps: updated.RollbackSteps}, nil
}

// CompleteScenario marks a deployment whose steps all succeeded as
// completed, stores the caller's aggregate results and metrics, and
// triggers cleanup when the scenario requires it.
func (o *Orchestrator) CompleteScenario(ctx context.Context, deploymentID uuid.UUID, results, metrics json.RawMessage, actor auth.Actor) (models.Deployment, error) {
	if !o.locks.tryAcquire(deploymentID) {
		return models.Deployment{}, fmt.Errorf("deployment %s has an operation in flight: %w", deploymentID, store.ErrConflict)
	}
	defer o.locks.release(deploymentID)

	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return models.Deployment{}, err
	}
	if err := o.guard.CanOperate(actor, d.CreatedBy); err != nil {
		return models.Deployment{}, err
	}
	if d.Status != models.DeploymentDeploying {
		return models.Deployment{}, fmt.Errorf("deployment %s is %s, not deploying: %w", d.ID, d.Status, store.ErrConflict)
	}
	def, err := o.store.GetScenarioVersion(ctx, d.ScenarioRef)
	if err != nil {
		return models.Deployment{}, err
	}
	if d.CurrentStepIndex < len(def.Steps) {
		return models.Deployment{}, fmt.Errorf("only %d of %d steps executed: %w", d.CurrentStepIndex, len(def.Steps), store.ErrConflict)
	}

	d.Status = models.DeploymentCompleted
	d.Results = results
	d.Metrics = metrics
	if def.CleanupRequired {
		d.CleanupStatus = models.CleanupPending
	}
	updated, err := o.store.UpdateDeployment(ctx, d)
	if err != nil {
		return models.Deployment{}, err
	}
	o.record(ctx, audit.ActionScenarioCompleted, actor, d.ID.String(), map[string]string{
		"scenarioId": d.ScenarioID,
		"steps":      fmt.Sprintf("%d", len(updated.StepResults)),
	})

	if def.CleanupRequired && o.cleanup != nil {
		cleaned, res, err := o.cleanup.Cleanup(ctx, updated)
		if err != nil {
			return updated, fmt.Errorf("cleanup after completion: %w", err)
		}
		updated = cleaned
		o.record(ctx, audit.ActionCleanupExecuted, actor, d.ID.String(), map[string]interface{}{
			"status":  res.Status,
			"cleaned": len(res.CleanedResources),
			"failed":  len(res.Failed),
		})
	}
	return updated, nil
}

// GetScenarioState is a pure read of the deployment record.
func (o *Orchestrator) GetScenarioState(ctx context.Context, deploymentID uuid.UUID) (models.Deployment, error) {
	return o.store.GetDeployment(ctx, deploymentID)
}

func (o *Orchestrator) record(ctx context.Context, action string, actor auth.Actor, entityID string, details interface{}) {
	if o.audit == nil {
		return
	}
	entry := &audit.Entry{Action: action, Actor: actor.ID, EntityID: entityID, Details: details}
	if err := o.audit.Append(ctx, entry); err != nil {
		log.Printf("[deploy] append audit entry: %v", err)
	}
}
