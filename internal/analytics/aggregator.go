// Package analytics derives per-scenario and per-consultant rollups from
// terminal-state deployments. Records are recomputed from the store; the
// orchestrator never mutates them directly.
package analytics

import (
	"context"
	"time"

	"github.com/cortexdc/orchestrator/internal/models"
	"github.com/cortexdc/orchestrator/internal/store"
)

type Aggregator struct {
	store store.Store
}

func New(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// deploymentDuration sums the recorded step durations. Zero means the
// deployment never recorded a duration and is excluded from averages.
func deploymentDuration(d models.Deployment) int64 {
	var total int64
	for _, r := range d.StepResults {
		total += r.DurationMs
	}
	return total
}

// Compute builds the rollup for one scenario from its terminal deployments.
// A scenario with no terminal deployments yields a zero record with
// successRate 0, never a division error.
func (a *Aggregator) Compute(ctx context.Context, scenarioID string) (models.AnalyticsRecord, error) {
	deployments, err := a.store.ListDeployments(ctx, store.DeploymentFilter{
		ScenarioID:   scenarioID,
		TerminalOnly: true,
		Limit:        500,
	})
	if err != nil {
		return models.AnalyticsRecord{}, err
	}

	rec := models.AnalyticsRecord{
		ScenarioID:          scenarioID,
		CommonFailurePoints: map[string]int{},
		ComputedAt:          time.Now().UTC(),
	}
	var durationSum int64
	var durationCount int
	for _, d := range deployments {
		rec.TotalExecutions++
		switch d.Status {
		case models.DeploymentCompleted:
			rec.SuccessfulExecutions++
		case models.DeploymentFailed, models.DeploymentRolledBack:
			rec.FailedExecutions++
			if d.FailedStep != nil {
				rec.CommonFailurePoints[*d.FailedStep]++
			}
		}
		if dur := deploymentDuration(d); dur > 0 {
			durationSum += dur
			durationCount++
		}
	}
	if rec.TotalExecutions > 0 {
		rec.SuccessRate = float64(rec.SuccessfulExecutions) / float64(rec.TotalExecutions)
	}
	if durationCount > 0 {
		rec.AverageDurationMs = float64(durationSum) / float64(durationCount)
	}
	return rec, nil
}

// Refresh recomputes a scenario's rollup and persists it.
func (a *Aggregator) Refresh(ctx context.Context, scenarioID string) (models.AnalyticsRecord, error) {
	rec, err := a.Compute(ctx, scenarioID)
	if err != nil {
		return models.AnalyticsRecord{}, err
	}
	if err := a.store.UpsertAnalytics(ctx, rec); err != nil {
		return models.AnalyticsRecord{}, err
	}
	return rec, nil
}

// Get returns the stored rollup, computing one on the fly when none has
// been persisted yet.
func (a *Aggregator) Get(ctx context.Context, scenarioID string) (models.AnalyticsRecord, error) {
	rec, err := a.store.GetAnalytics(ctx, scenarioID)
	if err == nil {
		return rec, nil
	}
	if err != store.ErrNotFound {
		return models.AnalyticsRecord{}, err
	}
	return a.Compute(ctx, scenarioID)
}

// ComputeConsultant builds the per-consultant rollup across scenarios.
func (a *Aggregator) ComputeConsultant(ctx context.Context, consultant string) (models.ConsultantRecord, error) {
	deployments, err := a.store.ListDeployments(ctx, store.DeploymentFilter{
		CreatedBy:    consultant,
		TerminalOnly: true,
		Limit:        500,
	})
	if err != nil {
		return models.ConsultantRecord{}, err
	}
	rec := models.ConsultantRecord{
		Consultant: consultant,
		ComputedAt: time.Now().UTC(),
	}
	for _, d := range deployments {
		rec.TotalExecutions++
		if d.Status == models.DeploymentCompleted {
			rec.SuccessfulExecutions++
		}
	}
	if rec.TotalExecutions > 0 {
		rec.SuccessRate = float64(rec.SuccessfulExecutions) / float64(rec.TotalExecutions)
	}
	return rec, nil
}
