package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cortexdc/orchestrator/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a deployment write carries a stale
	// revision, i.e. another writer got there first.
	ErrConflict = errors.New("conflict")
)

type Store interface {
	CreateScenario(ctx context.Context, in ScenarioInput) (models.ScenarioDefinition, error)
	GetScenarioVersion(ctx context.Context, id uuid.UUID) (models.ScenarioDefinition, error)
	GetActiveScenario(ctx context.Context, scenarioID string) (models.ScenarioDefinition, error)
	ListScenarios(ctx context.Context, filter ScenarioFilter) ([]models.ScenarioDefinition, error)
	SupersedeScenario(ctx context.Context, scenarioID string, in ScenarioInput) (models.ScenarioDefinition, error)
	IncrementExecutions(ctx context.Context, id uuid.UUID) error

	CreateDeployment(ctx context.Context, in DeploymentInput) (models.Deployment, error)
	GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error)
	UpdateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]models.Deployment, error)

	UpsertAnalytics(ctx context.Context, rec models.AnalyticsRecord) error
	GetAnalytics(ctx context.Context, scenarioID string) (models.AnalyticsRecord, error)

	Ping(ctx context.Context) error
}

type ScenarioInput struct {
	ID                 uuid.UUID
	ScenarioID         string
	Version            string
	Name               string
	Category           string
	Description        string
	Steps              []models.StepDefinition
	DurationEstimateS  int
	CleanupRequired    bool
	RollbackSupported  bool
	ParallelExecution  bool
	CompatibilityLevel *string
	CreatedBy          string
}

type ScenarioFilter struct {
	Category   string
	ActiveOnly bool
	Limit      int
	Offset     int
}

type DeploymentInput struct {
	ID              uuid.UUID
	ScenarioRef     uuid.UUID
	ScenarioID      string
	ScenarioVersion string
	POVID           string
	Environment     string
	Parameters      json.RawMessage
	Status          models.DeploymentStatus
	CreatedBy       string
}

type DeploymentFilter struct {
	ScenarioID   string
	POVID        string
	CreatedBy    string
	Status       models.DeploymentStatus
	TerminalOnly bool
	Limit        int
	Offset       int
}

// PGStore persists scenarios, deployments, and analytics rollups in Postgres.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

func marshalOr(v interface{}, fallback string) []byte {
	b, err := json.Marshal(v)
	if err != nil || len(b) == 0 {
		return []byte(fallback)
	}
	return b
}

const scenarioColumns = `id, scenario_id, version, name, category, description, steps,
	duration_estimate_s, cleanup_required, rollback_supported, parallel_execution,
	compatibility_level, active, executions, created_by, created_at`

func scanScenario(row rowScanner) (models.ScenarioDefinition, error) {
	var (
		def      models.ScenarioDefinition
		steps    []byte
		compat   sql.NullString
		descNull sql.NullString
	)
	if err := row.Scan(
		&def.ID,
		&def.ScenarioID,
		&def.Version,
		&def.Name,
		&def.Category,
		&descNull,
		&steps,
		&def.DurationEstimateS,
		&def.CleanupRequired,
		&def.RollbackSupported,
		&def.ParallelExecution,
		&compat,
		&def.Active,
		&def.Executions,
		&def.CreatedBy,
		&def.CreatedAt,
	); err != nil {
		return models.ScenarioDefinition{}, err
	}
	if descNull.Valid {
		def.Description = descNull.String
	}
	if compat.Valid {
		def.CompatibilityLevel = &compat.String
	}
	if err := json.Unmarshal(steps, &def.Steps); err != nil {
		return models.ScenarioDefinition{}, fmt.Errorf("decode steps: %w", err)
	}
	return def, nil
}

const deploymentColumns = `id, scenario_ref, scenario_id, scenario_version, pov_id, environment,
	parameters, status, current_step_index, step_results, resources, failed_step,
	rollback_status, rollback_steps, cleanup_status, results, metrics,
	created_by, created_at, updated_at, revision`

func scanDeployment(row rowScanner) (models.Deployment, error) {
	var (
		d                            models.Deployment
		params, results, metrics     []byte
		stepResults, resources       []byte
		rollbackSteps                []byte
		failedStep, rbStatus, clStat sql.NullString
	)
	if err := row.Scan(
		&d.ID,
		&d.ScenarioRef,
		&d.ScenarioID,
		&d.ScenarioVersion,
		&d.POVID,
		&d.Environment,
		&params,
		&d.Status,
		&d.CurrentStepIndex,
		&stepResults,
		&resources,
		&failedStep,
		&rbStatus,
		&rollbackSteps,
		&clStat,
		&results,
		&metrics,
		&d.CreatedBy,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.Revision,
	); err != nil {
		return models.Deployment{}, err
	}
	d.Parameters = append(json.RawMessage(nil), params...)
	if len(results) > 0 && string(results) != "null" {
		d.Results = append(json.RawMessage(nil), results...)
	}
	if len(metrics) > 0 && string(metrics) != "null" {
		d.Metrics = append(json.RawMessage(nil), metrics...)
	}
	if err := json.Unmarshal(stepResults, &d.StepResults); err != nil {
		return models.Deployment{}, fmt.Errorf("decode step results: %w", err)
	}
	if err := json.Unmarshal(resources, &d.Resources); err != nil {
		return models.Deployment{}, fmt.Errorf("decode resources: %w", err)
	}
	if len(rollbackSteps) > 0 && string(rollbackSteps) != "null" {
		if err := json.Unmarshal(rollbackSteps, &d.RollbackSteps); err != nil {
			return models.Deployment{}, fmt.Errorf("decode rollback steps: %w", err)
		}
	}
	if failedStep.Valid {
		d.FailedStep = &failedStep.String
	}
	if rbStatus.Valid {
		d.RollbackStatus = models.RollbackStatus(rbStatus.String)
	}
	if clStat.Valid {
		d.CleanupStatus = models.CleanupStatus(clStat.String)
	}
	return d, nil
}

func (s *PGStore) CreateScenario(ctx context.Context, in ScenarioInput) (models.ScenarioDefinition, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO scenarios (id, scenario_id, version, name, category, description, steps,
			duration_estimate_s, cleanup_required, rollback_supported, parallel_execution,
			compatibility_level, active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,true,$13)
		RETURNING ` + scenarioColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.ScenarioID, in.Version, in.Name, in.Category, in.Description,
		marshalOr(in.Steps, "[]"), in.DurationEstimateS, in.CleanupRequired,
		in.RollbackSupported, in.ParallelExecution, in.CompatibilityLevel, in.CreatedBy)
	def, err := scanScenario(row)
	if err != nil {
		return models.ScenarioDefinition{}, fmt.Errorf("insert scenario: %w", err)
	}
	return def, nil
}

func (s *PGStore) GetScenarioVersion(ctx context.Context, id uuid.UUID) (models.ScenarioDefinition, error) {
	query := `SELECT ` + scenarioColumns + ` FROM scenarios WHERE id=$1`
	def, err := scanScenario(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ScenarioDefinition{}, ErrNotFound
		}
		return models.ScenarioDefinition{}, fmt.Errorf("get scenario version: %w", err)
	}
	return def, nil
}

func (s *PGStore) GetActiveScenario(ctx context.Context, scenarioID string) (models.ScenarioDefinition, error) {
	query := `
		SELECT ` + scenarioColumns + `
		FROM scenarios
		WHERE scenario_id=$1 AND active
		ORDER BY created_at DESC
		LIMIT 1`
	def, err := scanScenario(s.db.QueryRowContext(ctx, query, scenarioID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ScenarioDefinition{}, ErrNotFound
		}
		return models.ScenarioDefinition{}, fmt.Errorf("get active scenario: %w", err)
	}
	return def, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListScenarios(ctx context.Context, filter ScenarioFilter) ([]models.ScenarioDefinition, error) {
	query := `SELECT ` + scenarioColumns + ` FROM scenarios WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argPos)
		args = append(args, filter.Category)
		argPos++
	}
	if filter.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	defer rows.Close()

	var defs []models.ScenarioDefinition
	for rows.Next() {
		def, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scenario: %w", err)
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scenarios: %w", err)
	}
	return defs, nil
}

// SupersedeScenario deactivates the current versions of scenarioID and
// inserts the replacement in a single transaction, serializing concurrent
// version creations on the scenario's rows.
func (s *PGStore) SupersedeScenario(ctx context.Context, scenarioID string, in ScenarioInput) (models.ScenarioDefinition, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ScenarioDefinition{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE scenarios SET active=false WHERE scenario_id=$1 AND active`, scenarioID)
	if err != nil {
		return models.ScenarioDefinition{}, fmt.Errorf("deactivate scenario: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ScenarioDefinition{}, ErrNotFound
	}

	query := `
		INSERT INTO scenarios (id, scenario_id, version, name, category, description, steps,
			duration_estimate_s, cleanup_required, rollback_supported, parallel_execution,
			compatibility_level, active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,true,$13)
		RETURNING ` + scenarioColumns
	row := tx.QueryRowContext(ctx, query,
		in.ID, scenarioID, in.Version, in.Name, in.Category, in.Description,
		marshalOr(in.Steps, "[]"), in.DurationEstimateS, in.CleanupRequired,
		in.RollbackSupported, in.ParallelExecution, in.CompatibilityLevel, in.CreatedBy)
	def, err := scanScenario(row)
	if err != nil {
		return models.ScenarioDefinition{}, fmt.Errorf("insert scenario version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.ScenarioDefinition{}, fmt.Errorf("commit scenario version: %w", err)
	}
	return def, nil
}

func (s *PGStore) IncrementExecutions(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scenarios SET executions = executions + 1 WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("increment executions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) CreateDeployment(ctx context.Context, in DeploymentInput) (models.Deployment, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO deployments (id, scenario_ref, scenario_id, scenario_version, pov_id,
			environment, parameters, status, current_step_index, step_results, resources,
			created_by, revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,'[]','[]',$9,1)
		RETURNING ` + deploymentColumns
	row := s.db.QueryRowContext(ctx, query,
		in.ID, in.ScenarioRef, in.ScenarioID, in.ScenarioVersion, in.POVID,
		in.Environment, ensureJSON(in.Parameters, "{}"), in.Status, in.CreatedBy)
	d, err := scanDeployment(row)
	if err != nil {
		return models.Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	return d, nil
}

func (s *PGStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id=$1`
	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrNotFound
		}
		return models.Deployment{}, fmt.Errorf("get deployment: %w", err)
	}
	return d, nil
}

// UpdateDeployment writes every mutable field of d back to its row, guarded
// by a compare-and-swap on the revision column. A stale revision yields
// ErrConflict; a missing row yields ErrNotFound.
func (s *PGStore) UpdateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error) {
	var rollbackSteps interface{}
	if d.RollbackSteps != nil {
		rollbackSteps = marshalOr(d.RollbackSteps, "[]")
	}
	query := `
		UPDATE deployments
		SET status=$2,
		    current_step_index=$3,
		    step_results=$4,
		    resources=$5,
		    failed_step=$6,
		    rollback_status=$7,
		    rollback_steps=$8,
		    cleanup_status=$9,
		    results=$10,
		    metrics=$11,
		    updated_at=NOW(),
		    revision=revision+1
		WHERE id=$1 AND revision=$12
		RETURNING ` + deploymentColumns
	row := s.db.QueryRowContext(ctx, query,
		d.ID, d.Status, d.CurrentStepIndex,
		marshalOr(d.StepResults, "[]"), marshalOr(d.Resources, "[]"),
		d.FailedStep, nullString(string(d.RollbackStatus)), rollbackSteps,
		nullString(string(d.CleanupStatus)), nullJSON(d.Results), nullJSON(d.Metrics),
		d.Revision)
	updated, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetDeployment(ctx, d.ID); errors.Is(getErr, ErrNotFound) {
				return models.Deployment{}, ErrNotFound
			}
			return models.Deployment{}, ErrConflict
		}
		return models.Deployment{}, fmt.Errorf("update deployment: %w", err)
	}
	return updated, nil
}

func (s *PGStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.ScenarioID != "" {
		query += fmt.Sprintf(" AND scenario_id = $%d", argPos)
		args = append(args, filter.ScenarioID)
		argPos++
	}
	if filter.POVID != "" {
		query += fmt.Sprintf(" AND pov_id = $%d", argPos)
		args = append(args, filter.POVID)
		argPos++
	}
	if filter.CreatedBy != "" {
		query += fmt.Sprintf(" AND created_by = $%d", argPos)
		args = append(args, filter.CreatedBy)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}
	if filter.TerminalOnly {
		query += fmt.Sprintf(" AND status IN ($%d, $%d, $%d)", argPos, argPos+1, argPos+2)
		args = append(args, models.DeploymentCompleted, models.DeploymentFailed, models.DeploymentRolledBack)
		argPos += 3
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return deployments, nil
}

func (s *PGStore) UpsertAnalytics(ctx context.Context, rec models.AnalyticsRecord) error {
	query := `
		INSERT INTO scenario_analytics (scenario_id, total_executions, successful_executions,
			failed_executions, success_rate, average_duration_ms, common_failure_points, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (scenario_id) DO UPDATE SET
			total_executions=EXCLUDED.total_executions,
			successful_executions=EXCLUDED.successful_executions,
			failed_executions=EXCLUDED.failed_executions,
			success_rate=EXCLUDED.success_rate,
			average_duration_ms=EXCLUDED.average_duration_ms,
			common_failure_points=EXCLUDED.common_failure_points,
			computed_at=EXCLUDED.computed_at`
	_, err := s.db.ExecContext(ctx, query,
		rec.ScenarioID, rec.TotalExecutions, rec.SuccessfulExecutions, rec.FailedExecutions,
		rec.SuccessRate, rec.AverageDurationMs, marshalOr(rec.CommonFailurePoints, "{}"), rec.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert analytics: %w", err)
	}
	return nil
}

func (s *PGStore) GetAnalytics(ctx context.Context, scenarioID string) (models.AnalyticsRecord, error) {
	query := `
		SELECT scenario_id, total_executions, successful_executions, failed_executions,
			success_rate, average_duration_ms, common_failure_points, computed_at
		FROM scenario_analytics WHERE scenario_id=$1`
	var (
		rec    models.AnalyticsRecord
		points []byte
	)
	err := s.db.QueryRowContext(ctx, query, scenarioID).Scan(
		&rec.ScenarioID,
		&rec.TotalExecutions,
		&rec.SuccessfulExecutions,
		&rec.FailedExecutions,
		&rec.SuccessRate,
		&rec.AverageDurationMs,
		&points,
		&rec.ComputedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AnalyticsRecord{}, ErrNotFound
		}
		return models.AnalyticsRecord{}, fmt.Errorf("get analytics: %w", err)
	}
	if err := json.Unmarshal(points, &rec.CommonFailurePoints); err != nil {
		return models.AnalyticsRecord{}, fmt.Errorf("decode failure points: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
