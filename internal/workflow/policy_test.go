package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"stagecraft/internal/executor"
	"stagecraft/internal/registry"
	"stagecraft/internal/store"
	"stagecraft/pkg/api"
)

// newPolicyEngine builds an engine over a single-stage pipeline whose
// execution policy is supplied by the test.
func newPolicyEngine(t *testing.T, stores store.Stores, provider api.GenerationProvider, exec api.ExecutionPolicy, retryTimeout time.Duration) *Engine {
	t.Helper()

	reg := registry.New()
	def := api.StepDefinition{
		Stage:      api.StagePlan,
		Type:       api.StepTypeAIGeneration,
		Execution:  exec,
		Generation: &api.GenerationConfig{Model: "m-plan", PromptTemplate: "plan {{markdown}}"},
	}
	if err := reg.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	ex := executor.New(executor.Config{Registry: reg, Stores: stores, Provider: provider})
	eng, err := New(Config{Registry: reg, Stores: stores, Executor: ex, RetryTimeout: retryTimeout})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func TestRetryPolicyRecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	stores := store.NewMemoryStore().Stores()
	provider := newStageProvider()
	provider.setFailTimes("m-plan", 2)

	eng := newPolicyEngine(t, stores, provider, api.ExecutionPolicy{
		Retry: &api.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond},
	}, 0)

	if err := eng.Start(ctx, "j1", startConfig(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := eng.WaitForStatus(ctx, "j1", waitDeadline, api.StatusCompleted)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", job.Status)
	}
	if job.Error != "" {
		t.Fatalf("stale error after recovery: %q", job.Error)
	}

	// Two transient failures, then the attempt that succeeded.
	if provider.count("m-plan") != 3 {
		t.Fatalf("plan generated %d times, want 3", provider.count("m-plan"))
	}
	art, err := stores.Artifacts.FindLatest(ctx, "j1", api.StagePlan, api.ArtifactTypeJSON)
	if err != nil {
		t.Fatalf("find artifact: %v", err)
	}
	if art.Version != 1 {
		t.Fatalf("version = %d, want 1 (failed attempts persist nothing)", art.Version)
	}
}

func TestRetryPolicyExhaustionFailsJob(t *testing.T) {
	ctx := context.Background()
	stores := store.NewMemoryStore().Stores()
	provider := newStageProvider()
	provider.setFail("m-plan", true)

	eng := newPolicyEngine(t, stores, provider, api.ExecutionPolicy{
		Retry: &api.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}, 0)

	if err := eng.Start(ctx, "j1", startConfig(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := eng.WaitForStatus(ctx, "j1", waitDeadline, api.StatusFailed)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != api.StatusFailed || job.CurrentStage != api.StagePlan {
		t.Fatalf("job = %s at %s, want FAILED at PLAN", job.Status, job.CurrentStage)
	}
	if job.Error == "" {
		t.Fatal("failure reason not persisted")
	}

	// Exactly MaxAttempts calls, no more.
	if provider.count("m-plan") != 2 {
		t.Fatalf("plan generated %d times, want 2", provider.count("m-plan"))
	}
	if _, err := stores.Artifacts.FindLatest(ctx, "j1", api.StagePlan, api.ArtifactTypeJSON); err == nil {
		t.Fatal("exhausted stage left an artifact")
	}
}

func TestStageTimeoutFailsAttempt(t *testing.T) {
	ctx := context.Background()
	stores := store.NewMemoryStore().Stores()
	provider := newStageProvider()

	// Never released: the per-attempt timeout is the only way out.
	provider.setGate(make(chan struct{}))

	eng := newPolicyEngine(t, stores, provider, api.ExecutionPolicy{
		Timeout: 50 * time.Millisecond,
	}, 0)

	if err := eng.Start(ctx, "j1", startConfig(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := eng.WaitForStatus(ctx, "j1", waitDeadline, api.StatusFailed)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if !strings.Contains(job.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("error = %q, want a deadline error", job.Error)
	}
	if provider.count("m-plan") != 1 {
		t.Fatalf("plan attempted %d times, want 1", provider.count("m-plan"))
	}
}

func TestRetrySubWorkflowTimeout(t *testing.T) {
	ctx := context.Background()
	stores := store.NewMemoryStore().Stores()
	provider := newStageProvider()
	provider.setGate(make(chan struct{}))

	eng := newPolicyEngine(t, stores, provider, api.ExecutionPolicy{}, 50*time.Millisecond)

	if _, err := stores.Jobs.EnsureJob(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	job, _ := stores.Jobs.GetJob(ctx, "j1")
	job.Config = startConfig()
	if err := stores.Jobs.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	res, err := eng.RetryStage(ctx, "j1", api.StagePlan, "")
	if err == nil {
		t.Fatal("retry outlived its timeout")
	}
	if res == nil || res.Success {
		t.Fatalf("res = %+v, want unsuccessful result", res)
	}
	if !strings.Contains(res.Error, context.DeadlineExceeded.Error()) {
		t.Fatalf("error = %q, want a deadline error", res.Error)
	}

	job, _ = stores.Jobs.GetJob(ctx, "j1")
	if job.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
}

func TestKickChannelsPrunedAfterRunnerExit(t *testing.T) {
	ctx := context.Background()
	stores := store.NewMemoryStore().Stores()
	eng := newTestEngine(t, stores, newStageProvider(), nil)

	if err := eng.Start(ctx, "j1", startConfig(), true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.WaitForStatus(ctx, "j1", waitDeadline, api.StatusCompleted); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// The runner goroutine exits shortly after the terminal status lands;
	// its bookkeeping must go with it.
	deadline := time.Now().Add(waitDeadline)
	for {
		eng.mu.Lock()
		kicks, active := len(eng.kicks), len(eng.active)
		eng.mu.Unlock()
		if kicks == 0 && active == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("kicks=%d active=%d still tracked after exit", kicks, active)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
