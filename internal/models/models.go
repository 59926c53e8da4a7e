// Package models contains the canonical domain types shared by the
// orchestrator's catalog, store, and execution components.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus is the lifecycle state of a scenario deployment.
// Legal transitions: deploying -> completed, deploying -> failed,
// failed -> rolled-back. Completed and rolled-back are terminal.
type DeploymentStatus string

const (
	DeploymentDeploying  DeploymentStatus = "deploying"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled-back"
)

// Terminal reports whether no further status transition is possible.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentRolledBack
}

// StepType identifies the kind of infrastructure work a step performs.
type StepType string

const (
	StepNetworkConfig    StepType = "network-config"
	StepNetworkTeardown  StepType = "network-teardown"
	StepPolicyApply      StepType = "policy-apply"
	StepPolicyRemove     StepType = "policy-remove"
	StepTestConnectivity StepType = "test-connectivity"
	StepAuthConfig       StepType = "auth-config"
	StepAuthRemove       StepType = "auth-remove"
	StepTestAuth         StepType = "test-auth"
	StepComplianceCheck  StepType = "compliance-check"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type RollbackStatus string

const (
	RollbackInProgress RollbackStatus = "in-progress"
	RollbackCompleted  RollbackStatus = "completed"
	RollbackFailed     RollbackStatus = "failed"
)

type CleanupStatus string

const (
	CleanupPending   CleanupStatus = "pending"
	CleanupCompleted CleanupStatus = "completed"
	CleanupPartial   CleanupStatus = "partial"
)

// StepDefinition is one unit of work declared in a scenario. RollbackType
// names the inverse step type executed during rollback; empty means the
// step has no inverse and is skipped when a rollback plan is computed.
// Condition is an optional boolean expression over deployment parameters;
// it is compiled at authoring time and a false result skips the step.
type StepDefinition struct {
	StepID       string          `json:"stepId"`
	Type         StepType        `json:"type"`
	Name         string          `json:"name"`
	Config       json.RawMessage `json:"config,omitempty"`
	Condition    string          `json:"condition,omitempty"`
	RollbackType StepType        `json:"rollbackType,omitempty"`
}

// ScenarioDefinition is one immutable version of a scenario. A new version
// is a new row; rows are never mutated once a deployment references them.
type ScenarioDefinition struct {
	ID                 uuid.UUID        `json:"id"`
	ScenarioID         string           `json:"scenarioId"`
	Version            string           `json:"version"`
	Name               string           `json:"name"`
	Category           string           `json:"category"`
	Description        string           `json:"description,omitempty"`
	Steps              []StepDefinition `json:"steps"`
	DurationEstimateS  int              `json:"durationEstimateSeconds"`
	CleanupRequired    bool             `json:"cleanupRequired"`
	RollbackSupported  bool             `json:"rollbackSupported"`
	ParallelExecution  bool             `json:"parallelExecution"`
	CompatibilityLevel *string          `json:"compatibilityLevel,omitempty"`
	Active             bool             `json:"active"`
	Executions         int64            `json:"executions"`
	CreatedBy          string           `json:"createdBy"`
	CreatedAt          time.Time        `json:"createdAt"`
}

// StepIndex returns the position of the step with the given id, or -1.
func (s ScenarioDefinition) StepIndex(stepID string) int {
	for i, st := range s.Steps {
		if st.StepID == stepID {
			return i
		}
	}
	return -1
}

// StepResult records the outcome of one forward step execution. Result and
// Error are mutually exclusive; DurationMs is zero when the step never ran.
type StepResult struct {
	StepID     string          `json:"stepId"`
	Status     StepStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

// RollbackStep is one precomputed inverse action. ForStep names the forward
// step being undone.
type RollbackStep struct {
	ForStep string          `json:"forStep"`
	Type    StepType        `json:"type"`
	Config  json.RawMessage `json:"config,omitempty"`
	Status  StepStatus      `json:"status"`
	Error   string          `json:"error,omitempty"`
}

// Resource is an external handle created on behalf of a deployment and owed
// a removal attempt once the deployment reaches a terminal state.
type Resource struct {
	Category     string    `json:"category"`
	Handle       string    `json:"handle"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Deployment is one execution attempt of a pinned scenario version.
// Revision is the optimistic-concurrency counter bumped on every mutation.
type Deployment struct {
	ID               uuid.UUID        `json:"id"`
	ScenarioRef      uuid.UUID        `json:"scenarioRef"`
	ScenarioID       string           `json:"scenarioId"`
	ScenarioVersion  string           `json:"scenarioVersion"`
	POVID            string           `json:"povId"`
	Environment      string           `json:"environment"`
	Parameters       json.RawMessage  `json:"parameters,omitempty"`
	Status           DeploymentStatus `json:"status"`
	CurrentStepIndex int              `json:"currentStepIndex"`
	StepResults      []StepResult     `json:"stepResults"`
	Resources        []Resource       `json:"resources,omitempty"`
	FailedStep       *string          `json:"failedStep,omitempty"`
	RollbackStatus   RollbackStatus   `json:"rollbackStatus,omitempty"`
	RollbackSteps    []RollbackStep   `json:"rollbackSteps,omitempty"`
	CleanupStatus    CleanupStatus    `json:"cleanupStatus,omitempty"`
	Results          json.RawMessage  `json:"results,omitempty"`
	Metrics          json.RawMessage  `json:"metrics,omitempty"`
	CreatedBy        string           `json:"createdBy"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	Revision         int64            `json:"revision"`
}

// AnalyticsRecord is a derived per-scenario rollup over terminal deployments.
type AnalyticsRecord struct {
	ScenarioID           string         `json:"scenarioId"`
	TotalExecutions      int            `json:"totalExecutions"`
	SuccessfulExecutions int            `json:"successfulExecutions"`
	FailedExecutions     int            `json:"failedExecutions"`
	SuccessRate          float64        `json:"successRate"`
	AverageDurationMs    float64        `json:"averageDurationMs"`
	CommonFailurePoints  map[string]int `json:"commonFailurePoints"`
	ComputedAt           time.Time      `json:"computedAt"`
}

// ConsultantRecord is a derived per-consultant rollup.
type ConsultantRecord struct {
	Consultant           string    `json:"consultant"`
	TotalExecutions      int       `json:"totalExecutions"`
	SuccessfulExecutions int       `json:"successfulExecutions"`
	SuccessRate          float64   `json:"successRate"`
	ComputedAt           time.Time `json:"computedAt"`
}
