package deploy_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/cortexdc/orchestrator/internal/audit"
	"github.com/cortexdc/orchestrator/internal/auth"
	"github.com/cortexdc/orchestrator/internal/cleanup"
	"github.com/cortexdc/orchestrator/internal/deploy"
	"github.com/cortexdc/orchestrator/internal/executor"
	"github.com/cortexdc/orchestrator/internal/models"
	"github.com/cortexdc/orchestrator/internal/store"
)

// fakeInvoker scripts per-operation outcomes. failSteps maps a stepId to the
// operational error it should report; faultSteps maps a stepId to an
// infrastructure error returned from Invoke itself.
type fakeInvoker struct {
	mu         sync.Mutex
	failSteps  map[string]string
	faultSteps map[string]error
	calls      []string
	block      chan struct{}
	entered    chan struct{}
}

func (f *fakeInvoker) Invoke(ctx context.Context, operation string, payload map[string]interface{}) (executor.Response, error) {
	stepID, _ := payload["stepId"].(string)
	f.mu.Lock()
	f.calls = append(f.calls, operation+":"+stepID)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if err, ok := f.faultSteps[stepID]; ok {
		return executor.Response{}, err
	}
	if msg, ok := f.failSteps[stepID]; ok {
		return executor.Response{Status: "failed", Error: msg}, nil
	}
	result, _ := json.Marshal(map[string]string{"step": stepID})
	return executor.Response{Status: "completed", Result: result}, nil
}

func (f *fakeInvoker) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var (
	consultant = auth.Actor{ID: "consultant-1", Role: auth.RoleUser}
	admin      = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
)

func threeStepScenario(t *testing.T, st store.Store) models.ScenarioDefinition {
	t.Helper()
	def, err := st.CreateScenario(context.Background(), store.ScenarioInput{
		ScenarioID: "pov-network-segmentation",
		Version:    "1.0.0",
		Name:       "Network segmentation POV",
		Category:   "network",
		Steps: []models.StepDefinition{
			{StepID: "configure-vlan", Type: models.StepNetworkConfig, Name: "Configure VLAN", RollbackType: models.StepNetworkTeardown},
			{StepID: "apply-policy", Type: models.StepPolicyApply, Name: "Apply segmentation policy", RollbackType: models.StepPolicyRemove},
			{StepID: "verify-connectivity", Type: models.StepTestConnectivity, Name: "Verify connectivity"},
		},
		RollbackSupported: true,
		CreatedBy:         admin.ID,
	})
	if err != nil {
		t.Fatalf("create scenario: %v", err)
	}
	return def
}

func newOrchestrator(st store.Store, invoker executor.Invoker) (*deploy.Orchestrator, *audit.MemoryLog) {
	auditLog := audit.NewMemoryLog()
	exec := executor.New(invoker)
	cleanupMgr := cleanup.NewManager(st, nil, invoker)
	return deploy.New(st, exec, auth.NewGuard(), auditLog, cleanupMgr), auditLog
}

func TestDeployExecuteCompleteFlow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	def := threeStepScenario(t, st)
	invoker := &fakeInvoker{}
	orch, auditLog := newOrchestrator(st, invoker)

	d, err := orch.DeployScenario(ctx, deploy.DeployRequest{
		ScenarioID:  def.ScenarioID,
		POVID:       "pov-42",
		Environment: "customer-lab",
		Parameters:  json.RawMessage(`{"vlanId":120}`),
	}, consultant)
	if err != nil {
		t.Fatalf("deploy scenario: %v", err)
	}
	if d.Status != models.DeploymentDeploying {
		t.Fatalf("status = %s, want deploying", d.Status)
	}
	if d.ScenarioVersion != "1.0.0" || d.ScenarioRef != def.ID {
		t.Fatalf("deployment not pinned to scenario version")
	}

	for _, stepID := range []string{"configure-vlan", "apply-policy", "verify-connectivity"} {
		res, err := orch.ExecuteStep(ctx, d.ID, stepID, consultant)
		if err != nil {
			t.Fatalf("execute %s: %v", stepID, err)
		}
		if res.Status != models.StepCompleted {
			t.Fatalf("step %s status = %s, want completed", stepID, res.Status)
		}
	}

	done, err := orch.CompleteScenario(ctx, d.ID, json.RawMessage(`{"segmented":true}`), json.RawMessage(`{"latencyMs":12}`), consultant)
	if err != nil {
		t.Fatalf("complete scenario: %v", err)
	}
	if done.Status != models.DeploymentCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if len(done.StepResults) != 3 {
		t.Fatalf("got %d step results, want 3", len(done.StepResults))
	}
	if done.CurrentStepIndex != 3 {
		t.Fatalf("currentStepIndex = %d, want 3", done.CurrentStepIndex)
	}

	// Every step result corresponds to exactly one declared step, in order.
	for i, r := range done.StepResults {
		if r.StepID != def.Steps[i].StepID {
			t.Fatalf("result %d is for %s, want %s", i, r.StepID, def.Steps[i].StepID)
		}
	}

	updatedDef, err := st.GetScenarioVersion(ctx, def.ID)
	if err != nil {
		t.Fatalf("reload scenario: %v", err)
	}
	if updatedDef.Executions != 1 {
		t.Fatalf("executions = %d, want 1", updatedDef.Executions)
	}

	entries, err := auditLog.ListByEntity(ctx, d.ID.String(), 50)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	// scenario-deployed + 3 step-executed + scenario-completed.
	if len(entries) != 5 {
		t.Fatalf("got %d audit entries, want 5", len(entries))
	}
}

func TestStepsExecuteInDeclaredOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	def := threeStepScenario(t, st)
	invoker := &fakeInvoker{}
	orch, _ := newOrchestrator(st, invoker)

	d, err := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "pov-1", Environment: "lab"}, consultant)
	if err != nil {
		t.Fatalf("deploy scenario: %v", err)
	}

	if _, err := orch.ExecuteStep(ctx, d.ID, "apply-policy", consultant); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("out-of-order step: err = %v, want ErrConflict", err)
	}
	if _, err := orch.ExecuteStep(ctx, d.ID, "no-such-step", consultant); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("unknown step: err = %v, want ErrConflict", err)
	}
	if _, err := orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant); err != nil {
		t.Fatalf("in-order step: %v", err)
	}
	// Re-executing an already-completed step is rejected, not repeated.
	if _, err := orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("repeat step: err = %v, want ErrConflict", err)
	}
}

func TestStepFailureDrivesRollback(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	def := threeStepScenario(t, st)
	invoker := &fakeInvoker{failSteps: map[string]string{"apply-policy": "Invalid policy rule"}}
	orch, _ := newOrchestrator(st, invoker)

	d, err := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "pov-1", Environment: "lab"}, consultant)
	if err != nil {
		t.Fatalf("deploy scenario: %v", err)
	}
	if _, err := orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant); err != nil {
		t.Fatalf("execute configure-vlan: %v", err)
	}

	res, err := orch.ExecuteStep(ctx, d.ID, "apply-policy", consultant)
	if err != nil {
		t.Fatalf("operational failure must not surface as an error, got %v", err)
	}
	if res.Status != models.StepFailed || res.Error != "Invalid policy rule" {
		t.Fatalf("result = %+v, want failed with original error", res)
	}

	d, err = orch.GetScenarioState(ctx, d.ID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if d.Status != models.DeploymentFailed {
		t.Fatalf("status = %s, want failed", d.Status)
	}
	if d.FailedStep == nil || *d.FailedStep != "apply-policy" {
		t.Fatalf("failedStep = %v, want apply-policy", d.FailedStep)
	}
	// Plan covers the completed step only, in reverse order. The failed step
	// applied nothing, so it gets no inverse.
	if len(d.RollbackSteps) != 1 || d.RollbackSteps[0].ForStep != "configure-vlan" {
		t.Fatalf("rollback plan = %+v, want single inverse of configure-vlan", d.RollbackSteps)
	}
	if d.RollbackSteps[0].Type != models.StepNetworkTeardown {
		t.Fatalf("rollback type = %s, want network-teardown", d.RollbackSteps[0].Type)
	}

	// A deployment that already failed refuses further forward steps.
	if _, err := orch.ExecuteStep(ctx, d.ID, "verify-connectivity", consultant); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("step after failure: err = %v, want ErrConflict", err)
	}

	rb, err := orch.ExecuteRollback(ctx, d.ID, consultant)
	if err != nil {
		t.Fatalf("execute rollback: %v", err)
	}
	if rb.Status != models.RollbackCompleted {
		t.Fatalf("rollback status = %s, want completed", rb.Status)
	}

	d, _ = orch.GetScenarioState(ctx, d.ID)
	if d.Status != models.DeploymentRolledBack {
		t.Fatalf("status = %s, want rolled-back", d.Status)
	}
}

func TestRollbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	def := threeStepScenario(t, st)
	invoker := &fakeInvoker{failSteps: map[string]string{"apply-policy": "boom"}}
	orch, _ := newOrchestrator(st, invoker)

	d, _ := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "pov-1", Environment: "lab"}, consultant)
	orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant)
	orch.ExecuteStep(ctx, d.ID, "apply-policy", consultant)

	first, err := orch.ExecuteRollback(ctx, d.ID, consultant)
	if err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	callsAfterFirst := len(invoker.callLog())

	second, err := orch.ExecuteRollback(ctx, d.ID, consultant)
	if err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if second.Status != first.Status || len(second.Steps) != len(first.Steps) {
		t.Fatalf("second rollback result differs: %+v vs %+v", second, first)
	}
	if len(invoker.callLog()) != callsAfterFirst {
		t.Fatalf("second rollback re-executed teardown operations")
	}
}

func TestRollbackFailureHaltsAndResumes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	invoker := &fakeInvoker{
		failSteps:  map[string]string{"verify-connectivity": "probe failed"},
		faultSteps: map[string]error{},
	}
	orch, _ := newOrchestrator(st, invoker)

	def, err := st.CreateScenario(ctx, store.ScenarioInput{
		ScenarioID: "pov-zero-trust",
		Version:    "1.0.0",
		Name:       "Zero trust POV",
		Category:   "auth",
		Steps: []models.StepDefinition{
			{StepID: "configure-idp", Type: models.StepAuthConfig, Name: "Configure IdP", RollbackType: models.StepAuthRemove},
			{StepID: "apply-policy", Type: models.StepPolicyApply, Name: "Apply policy", RollbackType: models.StepPolicyRemove},
			{StepID: "verify-connectivity", Type: models.StepTestConnectivity, Name: "Verify"},
		},
		RollbackSupported: true,
		CreatedBy:         admin.ID,
	})
	if err != nil {
		t.Fatalf("create scenario: %v", err)
	}

	d, _ := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "pov-1", Environment: "lab"}, consultant)
	orch.ExecuteStep(ctx, d.ID, "configure-idp", consultant)
	orch.ExecuteStep(ctx, d.ID, "apply-policy", consultant)
	orch.ExecuteStep(ctx, d.ID, "verify-connectivity", consultant)

	// First inverse in the plan undoes apply-policy. Make it fail once.
	invoker.mu.Lock()
	invoker.failSteps["apply-policy"] = "policy remove rejected"
	invoker.mu.Unlock()

	res, err := orch.ExecuteRollback(ctx, d.ID, consultant)
	var rbErr *deploy.RollbackError
	if !errors.As(err, &rbErr) {
		t.Fatalf("err = %v, want *RollbackError", err)
	}
	if rbErr.Step != "apply-policy" {
		t.Fatalf("failed rollback step = %s, want apply-policy", rbErr.Step)
	}
	if res.Status != models.RollbackFailed {
		t.Fatalf("rollback status = %s, want failed", res.Status)
	}

	d, _ = orch.GetScenarioState(ctx, d.ID)
	if d.Status != models.DeploymentFailed || d.RollbackStatus != models.RollbackFailed {
		t.Fatalf("deployment %s/%s, want failed/failed", d.Status, d.RollbackStatus)
	}

	// Manual remediation: clear the fault and re-invoke. The rollback resumes
	// from the step that failed; completed inverses do not re-run.
	invoker.mu.Lock()
	delete(invoker.failSteps, "apply-policy")
	invoker.mu.Unlock()

	res, err = orch.ExecuteRollback(ctx, d.ID, consultant)
	if err != nil {
		t.Fatalf("resumed rollback: %v", err)
	}
	if res.Status != models.RollbackCompleted {
		t.Fatalf("resumed rollback status = %s, want completed", res.Status)
	}
	d, _ = orch.GetScenarioState(ctx, d.ID)
	if d.Status != models.DeploymentRolledBack {
		t.Fatalf("status = %s, want rolled-back", d.Status)
	}
}

func TestInfrastructureFaultSurfacesAsError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	def := threeStepScenario(t, st)
	invoker := &fakeInvoker{faultSteps: map[string]error{"configure-vlan": fmt.Errorf("gateway timeout")}}
	orch, _ := newOrchestrator(st, invoker)

	d, _ := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "pov-1", Environment: "lab"}, consultant)
	_, err := orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant)
	if err == nil {
		t.Fatalf("infrastructure fault must surface as an error")
	}

	d, _ = orch.GetScenarioState(ctx, d.ID)
	if d.Status != models.DeploymentFailed {
		t.Fatalf("status = %s, want failed after infra fault", d.Status)
	}
}

// updateFailStore fails every UpdateDeployment once armed, leaving reads and
// creates intact.
type updateFailStore struct {
	store.Store
	fail bool
}

func (s *updateFailStore) UpdateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error) {
	if s.fail {
		return models.Deployment{}, fmt.Errorf("connection reset")
	}
	return s.Store.UpdateDeployment(ctx, d)
}

func TestInfraFaultStillSurfacesWhenPersistenceFails(t *testing.T) {
	ctx := context.Background()
	flaky := &updateFailStore{Store: store.NewMemoryStore()}
	def := threeStepScenario(t, flaky)
	infraErr := errors.New("gateway timeout")
	invoker := &fakeInvoker{faultSteps: map[string]error{"configure-vlan": infraErr}}
	orch, _ := newOrchestrator(flaky, invoker)

	d, err := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "pov-1", Environment: "lab"}, consultant)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	// Even when recording the failure cannot be persisted, the caller must
	// see the infrastructure fault, not the store error.
	flaky.fail = true
	_, err = orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant)
	if !errors.Is(err, infraErr) {
		t.Fatalf("err = %v, want the infrastructure fault", err)
	}
}

func TestConditionalStepSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	invoker := &fakeInvoker{}
	orch, _ := newOrchestrator(st, invoker)

	def, err := st.CreateScenario(ctx, store.ScenarioInput{
		ScenarioID: "pov-conditional",
		Version:    "1.0.0",
		Name:       "Conditional POV",
		Category:   "network",
		Steps: []models.StepDefinition{
			{StepID: "configure-vlan", Type: models.StepNetworkConfig, Name: "Configure VLAN"},
			{StepID: "compliance", Type: models.StepComplianceCheck, Name: "Compliance", Condition: `complianceRequired == true`},
		},
		CreatedBy: admin.ID,
	})
	if err != nil {
		t.Fatalf("create scenario: %v", err)
	}

	d, _ := orch.DeployScenario(ctx, deploy.DeployRequest{
		ScenarioID:  def.ScenarioID,
		POVID:       "pov-1",
		Environment: "lab",
		Parameters:  json.RawMessage(`{"complianceRequired":false}`),
	}, consultant)

	if _, err := orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant); err != nil {
		t.Fatalf("execute configure-vlan: %v", err)
	}
	res, err := orch.ExecuteStep(ctx, d.ID, "compliance", consultant)
	if err != nil {
		t.Fatalf("execute compliance: %v", err)
	}
	if res.Status != models.StepSkipped {
		t.Fatalf("status = %s, want skipped", res.Status)
	}
	for _, call := range invoker.callLog() {
		if call == "scenario-compliance-check:compliance" {
			t.Fatalf("skipped step was invoked")
		}
	}

	// A skipped step still advances the deployment to completion.
	if _, err := orch.CompleteScenario(ctx, d.ID, nil, nil, consultant); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestAccessControl(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	def := threeStepScenario(t, st)
	invoker := &fakeInvoker{}
	orch, auditLog := newOrchestrator(st, invoker)

	anonymous := auth.Actor{}
	if _, err := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "p", Environment: "lab"}, anonymous); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("anonymous deploy: err = %v, want ErrForbidden", err)
	}
	denied, err := auditLog.ListByEntity(ctx, def.ScenarioID, 10)
	if err != nil || len(denied) != 1 || denied[0].Action != audit.ActionDeployDenied {
		t.Fatalf("denied deploy not audited: %v %+v", err, denied)
	}

	d, err := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "p", Environment: "lab"}, consultant)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}

	stranger := auth.Actor{ID: "other-consultant", Role: auth.RoleUser}
	if _, err := orch.ExecuteStep(ctx, d.ID, "configure-vlan", stranger); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("stranger step: err = %v, want ErrForbidden", err)
	}
	// Admins may operate any deployment.
	if _, err := orch.ExecuteStep(ctx, d.ID, "configure-vlan", admin); err != nil {
		t.Fatalf("admin step: %v", err)
	}
}

func TestConcurrentOperationRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	def := threeStepScenario(t, st)
	invoker := &fakeInvoker{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	orch, _ := newOrchestrator(st, invoker)

	d, _ := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "p", Environment: "lab"}, consultant)

	errCh := make(chan error, 1)
	go func() {
		_, err := orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant)
		errCh <- err
	}()
	<-invoker.entered

	// While the first operation holds the deployment, a second is rejected
	// rather than queued.
	if _, err := orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("concurrent step: err = %v, want ErrConflict", err)
	}
	if _, err := orch.ExecuteRollback(ctx, d.ID, consultant); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("concurrent rollback: err = %v, want ErrConflict", err)
	}

	close(invoker.block)
	if err := <-errCh; err != nil {
		t.Fatalf("first step: %v", err)
	}
}

func TestCompleteRequiresAllSteps(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	def := threeStepScenario(t, st)
	orch, _ := newOrchestrator(st, &fakeInvoker{})

	d, _ := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "p", Environment: "lab"}, consultant)
	orch.ExecuteStep(ctx, d.ID, "configure-vlan", consultant)

	if _, err := orch.CompleteScenario(ctx, d.ID, nil, nil, consultant); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("premature complete: err = %v, want ErrConflict", err)
	}
}

func TestRollbackRequiresFailedDeployment(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	def := threeStepScenario(t, st)
	orch, _ := newOrchestrator(st, &fakeInvoker{})

	d, _ := orch.DeployScenario(ctx, deploy.DeployRequest{ScenarioID: def.ScenarioID, POVID: "p", Environment: "lab"}, consultant)
	if _, err := orch.ExecuteRollback(ctx, d.ID, consultant); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("rollback while deploying: err = %v, want ErrConflict", err)
	}

	if _, err := orch.ExecuteRollback(ctx, uuid.New(), consultant); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rollback of unknown deployment: err = %v, want ErrNotFound", err)
	}
}
