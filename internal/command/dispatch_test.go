package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stagecraft/internal/executor"
	"stagecraft/internal/registry"
	"stagecraft/internal/store"
	"stagecraft/internal/workflow"
	"stagecraft/pkg/api"
)

const waitDeadline = 5 * time.Second

type countingProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) Generate(ctx context.Context, req api.GenerationRequest) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return map[string]any{"text": "generated"}, nil
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// newTestDispatcher builds a dispatcher over an in-memory store with a
// two-stage pipeline: a gated generation followed by a processing stage.
func newTestDispatcher(t *testing.T) (*Dispatcher, *workflow.Engine, store.Stores, *countingProvider) {
	t.Helper()

	stores := store.NewMemoryStore().Stores()
	provider := &countingProvider{}

	reg := registry.New()
	defs := []api.StepDefinition{
		{
			Stage:      api.StagePlan,
			Type:       api.StepTypeAIGeneration,
			Execution:  api.ExecutionPolicy{RequiresApproval: true},
			Generation: &api.GenerationConfig{Model: "m-plan", PromptTemplate: "plan {{markdown}}"},
		},
		{
			Stage:        api.StagePages,
			Type:         api.StepTypeProcessing,
			InputSources: []api.Stage{api.StagePlan},
			Processor: api.ProcessorFunc(func(ctx context.Context, input map[string]any, jc api.JobContext) (map[string]any, error) {
				return map[string]any{"count": 1}, nil
			}),
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Stage, err)
		}
	}

	exec := executor.New(executor.Config{Registry: reg, Stores: stores, Provider: provider})
	eng, err := workflow.New(workflow.Config{Registry: reg, Stores: stores, Executor: exec})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)

	return NewDispatcher(eng, stores, nil), eng, stores, provider
}

func TestExecuteAuditsSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	d, _, stores, _ := newTestDispatcher(t)

	if _, err := stores.Jobs.EnsureJob(ctx, "j1"); err != nil {
		t.Fatalf("ensure job: %v", err)
	}

	// Success path: modify-stage is a pure store operation.
	result, err := d.Execute(ctx, "j1", api.CommandModifyStage,
		map[string]string{"stage": "PAGES", "blocks_per_page": "2"})
	if err != nil {
		t.Fatalf("modify-stage: %v", err)
	}
	if result == "" {
		t.Fatal("modify-stage returned an empty result")
	}

	// Failure path: pausing a DRAFT job is an invalid transition.
	if _, err := d.Execute(ctx, "j1", api.CommandPause, nil); !errors.Is(err, workflow.ErrInvalidState) {
		t.Fatalf("pause on DRAFT: err = %v, want ErrInvalidState", err)
	}
	job, err := stores.Jobs.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != api.StatusDraft {
		t.Fatalf("status = %s, rejected command must not mutate the job", job.Status)
	}

	recs, err := stores.Commands.ListByJob(ctx, "j1")
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Status == api.CommandExecuting {
			t.Fatalf("command %s left open in EXECUTING", rec.ID)
		}
	}
	byCmd := map[api.Command]*api.CommandRecord{}
	for _, rec := range recs {
		byCmd[rec.Command] = rec
	}
	if rec := byCmd[api.CommandModifyStage]; rec.Status != api.CommandSuccess || rec.Result == "" {
		t.Fatalf("modify-stage audit: status=%s result=%q", rec.Status, rec.Result)
	}
	if rec := byCmd[api.CommandPause]; rec.Status != api.CommandFailed || rec.Error == "" {
		t.Fatalf("pause audit: status=%s error=%q", rec.Status, rec.Error)
	}
}

func TestUnknownCommandLeavesNoAuditRow(t *testing.T) {
	ctx := context.Background()
	d, _, stores, _ := newTestDispatcher(t)

	if _, err := d.Execute(ctx, "j1", api.Command("teleport"), nil); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
	recs, err := stores.Commands.ListByJob(ctx, "j1")
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("audit rows = %d, want 0", len(recs))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, _, stores, _ := newTestDispatcher(t)

	job, err := stores.Jobs.EnsureJob(ctx, "j1")
	if err != nil {
		t.Fatalf("ensure job: %v", err)
	}
	job.Status = api.StatusRunning
	if err := stores.Jobs.UpdateJob(ctx, job); err != nil {
		t.Fatalf("update job: %v", err)
	}

	result, err := d.Execute(ctx, "j1", api.CommandRun, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "job already running" {
		t.Fatalf("result = %q, want %q", result, "job already running")
	}
}

func TestRunResumesPausedJob(t *testing.T) {
	ctx := context.Background()
	d, eng, stores, _ := newTestDispatcher(t)

	job, err := stores.Jobs.EnsureJob(ctx, "j1")
	if err != nil {
		t.Fatalf("ensure job: %v", err)
	}
	job.Config = map[string]any{"markdown": "# doc"}
	job.Status = api.StatusPaused
	if err := stores.Jobs.UpdateJob(ctx, job); err != nil {
		t.Fatalf("update job: %v", err)
	}

	result, err := d.Execute(ctx, "j1", api.CommandRun, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "job resumed" {
		t.Fatalf("result = %q, want %q", result, "job resumed")
	}

	// The resumed runner executes the plan stage and parks on its gate.
	job, err = eng.WaitForStatus(ctx, "j1", waitDeadline, api.StatusWaitingApproval)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != api.StatusWaitingApproval {
		t.Fatalf("status = %s, want WAITING_APPROVAL", job.Status)
	}
}

func TestModifyStageMergesOverrides(t *testing.T) {
	ctx := context.Background()
	d, _, stores, _ := newTestDispatcher(t)

	if _, err := stores.Jobs.EnsureJob(ctx, "j1"); err != nil {
		t.Fatalf("ensure job: %v", err)
	}

	if _, err := d.Execute(ctx, "j1", api.CommandModifyStage,
		map[string]string{"stage": "PAGES", "blocks_per_page": "2"}); err != nil {
		t.Fatalf("first modify: %v", err)
	}
	if _, err := d.Execute(ctx, "j1", api.CommandModifyStage,
		map[string]string{"stage": "PAGES", "style": "compact"}); err != nil {
		t.Fatalf("second modify: %v", err)
	}

	job, err := stores.Jobs.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	overrides, _ := job.Config["stage_overrides"].(map[string]any)
	pages, _ := overrides[api.StagePages.Key()].(map[string]any)
	if pages["blocks_per_page"] != "2" || pages["style"] != "compact" {
		t.Fatalf("pages overrides = %v, want both keys merged", pages)
	}

	// Missing stage and missing modifications are both validation errors.
	if _, err := d.Execute(ctx, "j1", api.CommandModifyStage, map[string]string{"style": "x"}); err == nil {
		t.Fatal("modify-stage without a stage must fail")
	}
	if _, err := d.Execute(ctx, "j1", api.CommandModifyStage, map[string]string{"stage": "PAGES"}); err == nil {
		t.Fatal("modify-stage without modifications must fail")
	}
}

func TestRetryDefaultsToCurrentStage(t *testing.T) {
	ctx := context.Background()
	d, _, stores, provider := newTestDispatcher(t)

	job, err := stores.Jobs.EnsureJob(ctx, "j1")
	if err != nil {
		t.Fatalf("ensure job: %v", err)
	}
	job.Config = map[string]any{"markdown": "# doc"}
	if err := stores.Jobs.UpdateJob(ctx, job); err != nil {
		t.Fatalf("update job: %v", err)
	}

	// No stage parameter: the job sits at PLAN, so PLAN is regenerated.
	if _, err := d.Execute(ctx, "j1", api.CommandRetry, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if provider.count() != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.count())
	}
	art, err := stores.Artifacts.FindLatest(ctx, "j1", api.StagePlan, api.ArtifactTypeJSON)
	if err != nil {
		t.Fatalf("find artifact: %v", err)
	}
	if art.CreatedBy != "retry" {
		t.Fatalf("artifact created_by = %q, want retry", art.CreatedBy)
	}

	job, err = stores.Jobs.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", job.RetryCount)
	}
}

func TestApproveAndRejectStage(t *testing.T) {
	ctx := context.Background()
	d, eng, stores, _ := newTestDispatcher(t)

	config := map[string]any{"markdown": "# doc"}
	if err := eng.Start(ctx, "j1", config, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.WaitForStatus(ctx, "j1", waitDeadline, api.StatusWaitingApproval); err != nil {
		t.Fatalf("wait for gate: %v", err)
	}

	job, err := d.RejectStage(ctx, "j1", api.StagePlan, "needs more detail")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if job.Status != api.StatusWaitingApproval {
		t.Fatalf("status after reject = %s, want WAITING_APPROVAL", job.Status)
	}
	approval, err := stores.Approvals.Get(ctx, "j1", api.StagePlan)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if approval.Status != api.ApprovalRejected || approval.Comment != "needs more detail" {
		t.Fatalf("approval = %s %q", approval.Status, approval.Comment)
	}

	job, err = d.ApproveStage(ctx, "j1", api.StagePlan)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	past := job.Status != api.StatusWaitingApproval ||
		job.CurrentStage.Position() > api.StagePlan.Position()
	if !past {
		t.Fatalf("job still gated on PLAN after approve: %s at %s", job.Status, job.CurrentStage)
	}
	if _, err := eng.WaitForStatus(ctx, "j1", waitDeadline, api.StatusCompleted); err != nil {
		t.Fatalf("wait for completion: %v", err)
	}
}

func TestProcessTextRoutesCommandsAndChat(t *testing.T) {
	ctx := context.Background()
	d, _, stores, _ := newTestDispatcher(t)

	if _, err := stores.Jobs.EnsureJob(ctx, "j1"); err != nil {
		t.Fatalf("ensure job: %v", err)
	}

	_, handled, err := d.ProcessText(ctx, "j1", "what's the weather like?")
	if err != nil {
		t.Fatalf("chat text: %v", err)
	}
	if handled {
		t.Fatal("plain chat must not be handled as a command")
	}

	result, handled, err := d.ProcessText(ctx, "j1", "/modify-stage PAGES blocks_per_page=4")
	if err != nil {
		t.Fatalf("command text: %v", err)
	}
	if !handled || result == "" {
		t.Fatalf("handled=%v result=%q, want a dispatched command", handled, result)
	}

	recs, err := stores.Commands.ListByJob(ctx, "j1")
	if err != nil {
		t.Fatalf("list commands: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("audit rows = %d, want 1 (chat text is never audited)", len(recs))
	}
}
