package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cortexdc/orchestrator/internal/audit"
	"github.com/cortexdc/orchestrator/internal/auth"
	"github.com/cortexdc/orchestrator/internal/catalog"
	"github.com/cortexdc/orchestrator/internal/models"
	"github.com/cortexdc/orchestrator/internal/store"
)

var (
	adminActor = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
	userActor  = auth.Actor{ID: "consultant-1", Role: auth.RoleUser}
)

func validRequest() catalog.CreateScenarioRequest {
	return catalog.CreateScenarioRequest{
		ScenarioID: "pov-network-segmentation",
		Version:    "1.0.0",
		Name:       "Network segmentation POV",
		Category:   "network",
		Steps: []models.StepDefinition{
			{StepID: "configure-vlan", Type: models.StepNetworkConfig, Name: "Configure VLAN", RollbackType: models.StepNetworkTeardown},
			{StepID: "verify", Type: models.StepTestConnectivity, Name: "Verify"},
		},
		RollbackSupported: true,
	}
}

func TestValidateDefinition(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*catalog.CreateScenarioRequest)
		wantErr bool
	}{
		{"valid", func(r *catalog.CreateScenarioRequest) {}, false},
		{"missing scenario id", func(r *catalog.CreateScenarioRequest) { r.ScenarioID = "" }, true},
		{"bad semver", func(r *catalog.CreateScenarioRequest) { r.Version = "v1" }, true},
		{"no steps", func(r *catalog.CreateScenarioRequest) { r.Steps = nil }, true},
		{"duplicate step ids", func(r *catalog.CreateScenarioRequest) {
			r.Steps[1].StepID = r.Steps[0].StepID
		}, true},
		{"unknown step type", func(r *catalog.CreateScenarioRequest) {
			r.Steps[0].Type = "reboot-universe"
		}, true},
		{"unknown rollback type", func(r *catalog.CreateScenarioRequest) {
			r.Steps[0].RollbackType = "undo-everything"
		}, true},
		{"bad condition expression", func(r *catalog.CreateScenarioRequest) {
			r.Steps[0].Condition = "vlanId >"
		}, true},
		{"non-boolean condition", func(r *catalog.CreateScenarioRequest) {
			r.Steps[0].Condition = `1 + 2`
		}, true},
		{"valid condition", func(r *catalog.CreateScenarioRequest) {
			r.Steps[0].Condition = `vlanId > 100`
		}, false},
		{"rollback supported without invertible steps", func(r *catalog.CreateScenarioRequest) {
			r.Steps[0].RollbackType = ""
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			err := catalog.ValidateDefinition(req)
			if tc.wantErr && err == nil {
				t.Fatalf("want error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateScenarioAdminOnly(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), auth.NewGuard(), audit.NewMemoryLog())

	if _, err := cat.CreateScenario(ctx, validRequest(), userActor); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("user create: err = %v, want ErrForbidden", err)
	}
	if _, err := cat.CreateScenario(ctx, validRequest(), adminActor); err != nil {
		t.Fatalf("admin create: %v", err)
	}
}

func TestCreateScenarioRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), auth.NewGuard(), audit.NewMemoryLog())

	if _, err := cat.CreateScenario(ctx, validRequest(), adminActor); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := cat.CreateScenario(ctx, validRequest(), adminActor); err == nil {
		t.Fatalf("duplicate create must be rejected")
	}
}

// brokenAuditLog fails every append, as a Postgres-backed log does when its
// database is away.
type brokenAuditLog struct {
	audit.Log
}

func (brokenAuditLog) Append(ctx context.Context, e *audit.Entry) error {
	return errors.New("audit store unavailable")
}

func TestCreateScenarioSurvivesAuditFailure(t *testing.T) {
	ctx := context.Background()
	cat := catalog.New(store.NewMemoryStore(), auth.NewGuard(), brokenAuditLog{})

	// Audit append failures are logged, never fatal to the authoring call.
	def, err := cat.CreateScenario(ctx, validRequest(), adminActor)
	if err != nil {
		t.Fatalf("create with broken audit log: %v", err)
	}
	if def.ScenarioID != "pov-network-segmentation" {
		t.Fatalf("definition = %+v", def)
	}
}

func TestNewVersionSupersedes(t *testing.T) {
	ctx := context.Background()
	auditLog := audit.NewMemoryLog()
	cat := catalog.New(store.NewMemoryStore(), auth.NewGuard(), auditLog)

	v1, err := cat.CreateScenario(ctx, validRequest(), adminActor)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	req := validRequest()
	req.Version = "1.1.0"
	v2, err := cat.NewVersion(ctx, req, adminActor)
	if err != nil {
		t.Fatalf("new version: %v", err)
	}
	if v2.CompatibilityLevel == nil || *v2.CompatibilityLevel != v1.ID.String() {
		t.Fatalf("compatibilityLevel = %v, want predecessor id", v2.CompatibilityLevel)
	}

	active, err := cat.GetActive(ctx, req.ScenarioID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != v2.ID {
		t.Fatalf("active version = %s, want %s", active.ID, v2.ID)
	}

	// Re-publishing the already-active version is rejected.
	if _, err := cat.NewVersion(ctx, req, adminActor); err == nil {
		t.Fatalf("same-version publish must be rejected")
	}

	entries, err := auditLog.ListByEntity(ctx, v2.ID.String(), 10)
	if err != nil || len(entries) != 1 || entries[0].Action != audit.ActionScenarioMigrated {
		t.Fatalf("migration not audited: %v %+v", err, entries)
	}
}

func TestShouldRun(t *testing.T) {
	step := models.StepDefinition{StepID: "compliance", Type: models.StepComplianceCheck, Condition: `complianceRequired == true`}

	run, err := catalog.ShouldRun(step, map[string]interface{}{"complianceRequired": true})
	if err != nil || !run {
		t.Fatalf("run = %v, err = %v, want true", run, err)
	}
	run, err = catalog.ShouldRun(step, map[string]interface{}{"complianceRequired": false})
	if err != nil || run {
		t.Fatalf("run = %v, err = %v, want false", run, err)
	}
	// Undefined parameters evaluate to a non-match, not a failure.
	run, err = catalog.ShouldRun(step, map[string]interface{}{})
	if err != nil || run {
		t.Fatalf("run = %v, err = %v, want false when parameter absent", run, err)
	}

	unconditional := models.StepDefinition{StepID: "s", Type: models.StepNetworkConfig}
	run, err = catalog.ShouldRun(unconditional, nil)
	if err != nil || !run {
		t.Fatalf("unconditional step must always run")
	}
}
