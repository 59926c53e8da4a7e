// Package catalog is the admin-only authoring path for versioned scenario
// definitions. Definitions are validated here, at authoring time, so a
// malformed scenario can never reach execution.
package catalog

import (
	"context"
	"fmt"
	"log"
	"regexp"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/cortexdc/orchestrator/internal/audit"
	"github.com/cortexdc/orchestrator/internal/auth"
	"github.com/cortexdc/orchestrator/internal/models"
	"github.com/cortexdc/orchestrator/internal/store"
)

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

var knownStepTypes = map[models.StepType]bool{
	models.StepNetworkConfig:    true,
	models.StepNetworkTeardown:  true,
	models.StepPolicyApply:      true,
	models.StepPolicyRemove:     true,
	models.StepAuthConfig:       true,
	models.StepAuthRemove:       true,
	models.StepTestConnectivity: true,
	models.StepTestAuth:         true,
	models.StepComplianceCheck:  true,
}

type Catalog struct {
	store store.Store
	guard *auth.Guard
	audit audit.Log
}

func New(st store.Store, guard *auth.Guard, auditLog audit.Log) *Catalog {
	return &Catalog{store: st, guard: guard, audit: auditLog}
}

type CreateScenarioRequest struct {
	ScenarioID        string                  `json:"scenarioId"`
	Version           string                  `json:"version"`
	Name              string                  `json:"name"`
	Category          string                  `json:"category"`
	Description       string                  `json:"description"`
	Steps             []models.StepDefinition `json:"steps"`
	DurationEstimateS int                     `json:"durationEstimateSeconds"`
	CleanupRequired   bool                    `json:"cleanupRequired"`
	RollbackSupported bool                    `json:"rollbackSupported"`
	ParallelExecution bool                    `json:"parallelExecution"`
}

// ValidateDefinition checks a scenario definition for authoring-time errors:
// unique step ids, known step types, and compilable condition expressions.
func ValidateDefinition(req CreateScenarioRequest) error {
	if req.ScenarioID == "" || req.Name == "" {
		return fmt.Errorf("scenarioId and name required")
	}
	if !semverRe.MatchString(req.Version) {
		return fmt.Errorf("version must be semver, got %q", req.Version)
	}
	if len(req.Steps) == 0 {
		return fmt.Errorf("at least one step required")
	}
	seen := map[string]bool{}
	for i, step := range req.Steps {
		if step.StepID == "" {
			return fmt.Errorf("step %d: stepId required", i)
		}
		if seen[step.StepID] {
			return fmt.Errorf("duplicate step id %q", step.StepID)
		}
		seen[step.StepID] = true
		if !knownStepTypes[step.Type] {
			return fmt.Errorf("step %q: unknown type %q", step.StepID, step.Type)
		}
		if step.RollbackType != "" && !knownStepTypes[step.RollbackType] {
			return fmt.Errorf("step %q: unknown rollback type %q", step.StepID, step.RollbackType)
		}
		if step.Condition != "" {
			if _, err := expr.Compile(step.Condition, expr.AsBool(), expr.AllowUndefinedVariables()); err != nil {
				return fmt.Errorf("step %q: bad condition: %w", step.StepID, err)
			}
		}
	}
	if req.RollbackSupported {
		// A rollback-supported scenario needs at least one invertible step,
		// otherwise the flag is meaningless.
		invertible := false
		for _, step := range req.Steps {
			if step.RollbackType != "" {
				invertible = true
				break
			}
		}
		if !invertible {
			return fmt.Errorf("rollbackSupported requires at least one step with a rollbackType")
		}
	}
	return nil
}

// CreateScenario validates and persists a brand-new scenario. Admin only.
func (c *Catalog) CreateScenario(ctx context.Context, req CreateScenarioRequest, actor auth.Actor) (models.ScenarioDefinition, error) {
	if err := c.guard.CanAuthorScenarios(actor); err != nil {
		return models.ScenarioDefinition{}, err
	}
	if err := ValidateDefinition(req); err != nil {
		return models.ScenarioDefinition{}, err
	}
	if _, err := c.store.GetActiveScenario(ctx, req.ScenarioID); err == nil {
		return models.ScenarioDefinition{}, fmt.Errorf("scenario %q already exists; author a new version instead", req.ScenarioID)
	}

	def, err := c.store.CreateScenario(ctx, store.ScenarioInput{
		ScenarioID:        req.ScenarioID,
		Version:           req.Version,
		Name:              req.Name,
		Category:          req.Category,
		Description:       req.Description,
		Steps:             req.Steps,
		DurationEstimateS: req.DurationEstimateS,
		CleanupRequired:   req.CleanupRequired,
		RollbackSupported: req.RollbackSupported,
		ParallelExecution: req.ParallelExecution,
		CreatedBy:         actor.ID,
	})
	if err != nil {
		return models.ScenarioDefinition{}, err
	}
	c.record(ctx, audit.ActionScenarioCreated, actor, def.ID.String(), map[string]string{
		"scenarioId": def.ScenarioID,
		"version":    def.Version,
	})
	return def, nil
}

// NewVersion supersedes the active version of a scenario with a new
// definition. The old version stays readable for deployments pinned to it;
// compatibilityLevel records the predecessor. Admin only.
func (c *Catalog) NewVersion(ctx context.Context, req CreateScenarioRequest, actor auth.Actor) (models.ScenarioDefinition, error) {
	if err := c.guard.CanAuthorScenarios(actor); err != nil {
		return models.ScenarioDefinition{}, err
	}
	if err := ValidateDefinition(req); err != nil {
		return models.ScenarioDefinition{}, err
	}
	prior, err := c.store.GetActiveScenario(ctx, req.ScenarioID)
	if err != nil {
		return models.ScenarioDefinition{}, err
	}
	if prior.Version == req.Version {
		return models.ScenarioDefinition{}, fmt.Errorf("version %q is already active", req.Version)
	}
	compat := prior.ID.String()

	def, err := c.store.SupersedeScenario(ctx, req.ScenarioID, store.ScenarioInput{
		Version:            req.Version,
		Name:               req.Name,
		Category:           req.Category,
		Description:        req.Description,
		Steps:              req.Steps,
		DurationEstimateS:  req.DurationEstimateS,
		CleanupRequired:    req.CleanupRequired,
		RollbackSupported:  req.RollbackSupported,
		ParallelExecution:  req.ParallelExecution,
		CompatibilityLevel: &compat,
		CreatedBy:          actor.ID,
	})
	if err != nil {
		return models.ScenarioDefinition{}, err
	}
	c.record(ctx, audit.ActionScenarioMigrated, actor, def.ID.String(), map[string]string{
		"scenarioId":  def.ScenarioID,
		"fromVersion": prior.Version,
		"toVersion":   def.Version,
	})
	return def, nil
}

func (c *Catalog) GetVersion(ctx context.Context, id uuid.UUID) (models.ScenarioDefinition, error) {
	return c.store.GetScenarioVersion(ctx, id)
}

func (c *Catalog) GetActive(ctx context.Context, scenarioID string) (models.ScenarioDefinition, error) {
	return c.store.GetActiveScenario(ctx, scenarioID)
}

func (c *Catalog) List(ctx context.Context, filter store.ScenarioFilter) ([]models.ScenarioDefinition, error) {
	return c.store.ListScenarios(ctx, filter)
}

// ShouldRun evaluates a step's condition against deployment parameters.
// Steps without a condition always run. The expression was compiled at
// authoring time, so a failure here means the parameters are malformed.
func ShouldRun(step models.StepDefinition, parameters map[string]interface{}) (bool, error) {
	if step.Condition == "" {
		return true, nil
	}
	program, err := expr.Compile(step.Condition, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile condition for step %q: %w", step.StepID, err)
	}
	out, err := expr.Run(program, parameters)
	if err != nil {
		return false, fmt.Errorf("evaluate condition for step %q: %w", step.StepID, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition for step %q did not yield a boolean", step.StepID)
	}
	return b, nil
}

func (c *Catalog) record(ctx context.Context, action string, actor auth.Actor, entityID string, details interface{}) {
	if c.audit == nil {
		return
	}
	entry := &audit.Entry{Action: action, Actor: actor.ID, EntityID: entityID, Details: details}
	if err := c.audit.Append(ctx, entry); err != nil {
		log.Printf("[catalog] append audit entry: %v", err)
	}
}
