// Package executor invokes individual scenario steps against external
// infrastructure. It knows nothing about deployment lifecycle beyond the
// single step it is handed.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cortexdc/orchestrator/internal/models"
)

// Outcome is the result of one step invocation. Operational failures (an
// invalid policy rule, a failed connectivity probe) arrive here with
// Status=failed; only transport-level faults surface as Go errors from
// Execute.
type Outcome struct {
	Status     models.StepStatus `json:"status"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"durationMs"`
}

// Context carries the per-deployment inputs a step may need.
type Context struct {
	DeploymentID uuid.UUID
	Parameters   json.RawMessage
}

// Invoker is the fire-and-await interface to the step infrastructure
// platform. A returned error means the platform itself was unreachable or
// misbehaved; expected operational failures come back inside Response.
type Invoker interface {
	Invoke(ctx context.Context, operation string, payload map[string]interface{}) (Response, error)
}

// Response is the structured payload the infrastructure platform returns.
type Response struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Executor runs one declared step through the invoker and normalizes the
// outcome.
type Executor struct {
	invoker Invoker
}

func New(invoker Invoker) *Executor {
	return &Executor{invoker: invoker}
}

// operationFor maps a step type to the named infrastructure operation.
func operationFor(t models.StepType) string {
	return "scenario-" + string(t)
}

// Execute invokes the step and reports its outcome. The duration covers the
// full round trip, including infrastructure propagation time.
func (e *Executor) Execute(ctx context.Context, step models.StepDefinition, ec Context) (Outcome, error) {
	payload := map[string]interface{}{
		"deploymentId": ec.DeploymentID.String(),
		"stepId":       step.StepID,
	}
	if len(step.Config) > 0 {
		payload["config"] = json.RawMessage(step.Config)
	}
	if len(ec.Parameters) > 0 {
		payload["parameters"] = json.RawMessage(ec.Parameters)
	}

	started := time.Now()
	resp, err := e.invoker.Invoke(ctx, operationFor(step.Type), payload)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{DurationMs: elapsed, Result: resp.Result}
	if resp.Status == "failed" {
		out.Status = models.StepFailed
		out.Error = resp.Error
		if out.Error == "" {
			out.Error = "step failed without detail"
		}
		return out, nil
	}
	out.Status = models.StepCompleted
	return out, nil
}

// ExecuteRollback invokes the inverse operation for a precomputed rollback
// step.
func (e *Executor) ExecuteRollback(ctx context.Context, rb models.RollbackStep, ec Context) (Outcome, error) {
	step := models.StepDefinition{
		StepID: rb.ForStep,
		Type:   rb.Type,
		Config: rb.Config,
	}
	return e.Execute(ctx, step, ec)
}
