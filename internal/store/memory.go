package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexdc/orchestrator/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It honors the same revision compare-and-swap semantics as PGStore.
type MemoryStore struct {
	mu          sync.RWMutex
	scenarios   map[uuid.UUID]models.ScenarioDefinition
	deployments map[uuid.UUID]models.Deployment
	analytics   map[string]models.AnalyticsRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scenarios:   map[uuid.UUID]models.ScenarioDefinition{},
		deployments: map[uuid.UUID]models.Deployment{},
		analytics:   map[string]models.AnalyticsRecord{},
	}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func copySteps(steps []models.StepDefinition) []models.StepDefinition {
	out := make([]models.StepDefinition, len(steps))
	copy(out, steps)
	return out
}

func copyDeployment(d models.Deployment) models.Deployment {
	out := d
	out.StepResults = append([]models.StepResult(nil), d.StepResults...)
	out.Resources = append([]models.Resource(nil), d.Resources...)
	if d.RollbackSteps != nil {
		out.RollbackSteps = append([]models.RollbackStep(nil), d.RollbackSteps...)
	}
	return out
}

func (m *MemoryStore) CreateScenario(ctx context.Context, in ScenarioInput) (models.ScenarioDefinition, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	def := models.ScenarioDefinition{
		ID:                 in.ID,
		ScenarioID:         in.ScenarioID,
		Version:            in.Version,
		Name:               in.Name,
		Category:           in.Category,
		Description:        in.Description,
		Steps:              copySteps(in.Steps),
		DurationEstimateS:  in.DurationEstimateS,
		CleanupRequired:    in.CleanupRequired,
		RollbackSupported:  in.RollbackSupported,
		ParallelExecution:  in.ParallelExecution,
		CompatibilityLevel: in.CompatibilityLevel,
		Active:             true,
		CreatedBy:          in.CreatedBy,
		CreatedAt:          time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenarios[def.ID] = def
	return def, nil
}

func (m *MemoryStore) GetScenarioVersion(ctx context.Context, id uuid.UUID) (models.ScenarioDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.scenarios[id]
	if !ok {
		return models.ScenarioDefinition{}, ErrNotFound
	}
	return def, nil
}

func (m *MemoryStore) GetActiveScenario(ctx context.Context, scenarioID string) (models.ScenarioDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found    bool
		selected models.ScenarioDefinition
	)
	for _, def := range m.scenarios {
		if def.ScenarioID != scenarioID || !def.Active {
			continue
		}
		if !found || def.CreatedAt.After(selected.CreatedAt) {
			selected = def
			found = true
		}
	}
	if !found {
		return models.ScenarioDefinition{}, ErrNotFound
	}
	return selected, nil
}

func (m *MemoryStore) ListScenarios(ctx context.Context, filter ScenarioFilter) ([]models.ScenarioDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var defs []models.ScenarioDefinition
	for _, def := range m.scenarios {
		if filter.Category != "" && def.Category != filter.Category {
			continue
		}
		if filter.ActiveOnly && !def.Active {
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})
	return paginate(defs, filter.Offset, filter.Limit), nil
}

// paginate applies the same offset/limit window the SQL store builds into its
// queries, including the default page size.
func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	limit = normalizeLimit(limit)
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-offset)
	copy(out, items[offset:end])
	return out
}

func (m *MemoryStore) SupersedeScenario(ctx context.Context, scenarioID string, in ScenarioInput) (models.ScenarioDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deactivated := false
	for id, def := range m.scenarios {
		if def.ScenarioID == scenarioID && def.Active {
			def.Active = false
			m.scenarios[id] = def
			deactivated = true
		}
	}
	if !deactivated {
		return models.ScenarioDefinition{}, ErrNotFound
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	def := models.ScenarioDefinition{
		ID:                 in.ID,
		ScenarioID:         scenarioID,
		Version:            in.Version,
		Name:               in.Name,
		Category:           in.Category,
		Description:        in.Description,
		Steps:              copySteps(in.Steps),
		DurationEstimateS:  in.DurationEstimateS,
		CleanupRequired:    in.CleanupRequired,
		RollbackSupported:  in.RollbackSupported,
		ParallelExecution:  in.ParallelExecution,
		CompatibilityLevel: in.CompatibilityLevel,
		Active:             true,
		CreatedBy:          in.CreatedBy,
		CreatedAt:          time.Now().UTC(),
	}
	m.scenarios[def.ID] = def
	return def, nil
}

func (m *MemoryStore) IncrementExecutions(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.scenarios[id]
	if !ok {
		return ErrNotFound
	}
	def.Executions++
	m.scenarios[id] = def
	return nil
}

func (m *MemoryStore) CreateDeployment(ctx context.Context, in DeploymentInput) (models.Deployment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	d := models.Deployment{
		ID:              in.ID,
		ScenarioRef:     in.ScenarioRef,
		ScenarioID:      in.ScenarioID,
		ScenarioVersion: in.ScenarioVersion,
		POVID:           in.POVID,
		Environment:     in.Environment,
		Parameters:      copyJSON(in.Parameters, "{}"),
		Status:          in.Status,
		StepResults:     []models.StepResult{},
		Resources:       []models.Resource{},
		CreatedBy:       in.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
		Revision:        1,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[d.ID] = d
	return copyDeployment(d), nil
}

func (m *MemoryStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	return copyDeployment(d), nil
}

func (m *MemoryStore) UpdateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.deployments[d.ID]
	if !ok {
		return models.Deployment{}, ErrNotFound
	}
	if current.Revision != d.Revision {
		return models.Deployment{}, ErrConflict
	}
	d.Revision++
	d.UpdatedAt = time.Now().UTC()
	d.CreatedAt = current.CreatedAt
	m.deployments[d.ID] = copyDeployment(d)
	return copyDeployment(d), nil
}

func (m *MemoryStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]models.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var deployments []models.Deployment
	for _, d := range m.deployments {
		if filter.ScenarioID != "" && d.ScenarioID != filter.ScenarioID {
			continue
		}
		if filter.POVID != "" && d.POVID != filter.POVID {
			continue
		}
		if filter.CreatedBy != "" && d.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.TerminalOnly && d.Status == models.DeploymentDeploying {
			continue
		}
		deployments = append(deployments, copyDeployment(d))
	}
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})
	return paginate(deployments, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) UpsertAnalytics(ctx context.Context, rec models.AnalyticsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analytics[rec.ScenarioID] = rec
	return nil
}

func (m *MemoryStore) GetAnalytics(ctx context.Context, scenarioID string) (models.AnalyticsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.analytics[scenarioID]
	if !ok {
		return models.AnalyticsRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
