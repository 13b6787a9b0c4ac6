// Package workflow implements the durable per-job state machine: it drives
// the registered stages in order, suspends at approval gates, accepts
// out-of-band signals (approve/reject/pause/resume/jump/retry), and
// recovers its position from persisted state after a restart.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stagecraft/internal/executor"
	"stagecraft/internal/registry"
	"stagecraft/internal/store"
	"stagecraft/pkg/api"
)

// ErrInvalidState is wrapped by control operations rejected because of the
// job's current status (e.g. pause on a non-running job). The job is never
// mutated in that case.
var ErrInvalidState = errors.New("invalid job state for command")

// DefaultRetryTimeout bounds one retry sub-workflow invocation. It is
// independent of any per-stage timeout because retries are invoked ad hoc,
// outside the normal pipeline sequence.
const DefaultRetryTimeout = 5 * time.Minute

// Engine owns the per-job workflow goroutines. One goroutine runs per
// active job; jobs share no mutable state beyond the stores.
type Engine struct {
	reg    *registry.Registry
	stores store.Stores
	exec   *executor.Executor
	obs    api.Observer
	logger *slog.Logger

	retryTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]struct{}      // jobs with a live runner goroutine
	kicks   map[string]chan struct{} // per-job signal channels
	subs    map[int]subscription
	nextSub int
}

type subscription struct {
	jobID string // empty matches every job
	fn    func(job *api.Job)
}

// Config wires an Engine.
type Config struct {
	Registry *registry.Registry
	Stores   store.Stores
	Executor *executor.Executor
	Observer api.Observer
	Logger   *slog.Logger

	// RetryTimeout overrides DefaultRetryTimeout when > 0.
	RetryTimeout time.Duration
}

// New creates an Engine. The registry's dependency graph is validated here:
// a violation is a boot-time error and the engine refuses to start.
func New(cfg Config) (*Engine, error) {
	if res := cfg.Registry.ValidateDependencies(); !res.IsValid {
		return nil, fmt.Errorf("invalid step registry: %v", res.Errors)
	}

	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stores := cfg.Stores
	if stores.Events == nil {
		stores.Events = store.NoopEventStore{}
	}
	retryTimeout := cfg.RetryTimeout
	if retryTimeout <= 0 {
		retryTimeout = DefaultRetryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		reg:          cfg.Registry,
		stores:       stores,
		exec:         cfg.Executor,
		obs:          obs,
		logger:       logger,
		retryTimeout: retryTimeout,
		baseCtx:      ctx,
		cancel:       cancel,
		active:       make(map[string]struct{}),
		kicks:        make(map[string]chan struct{}),
		subs:         make(map[int]subscription),
	}, nil
}

// Close stops all job runners and waits for them to exit. In-flight stage
// executions observe the cancellation at their next checkpoint.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Start launches (or resumes) the workflow for a job. Idempotent: starting
// a job whose runner is already live is a no-op.
//
// config, when non-nil, replaces the job's input config before starting; a
// job cannot start without one.
func (e *Engine) Start(ctx context.Context, jobID string, config map[string]any, autoMode bool) error {
	if len(e.reg.StepsInExecutionOrder()) == 0 {
		return fmt.Errorf("no step definitions registered")
	}

	job, err := e.stores.Jobs.EnsureJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status == api.StatusCompleted || job.Status == api.StatusCancelled {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, jobID, job.Status)
	}

	if config != nil {
		job.Config = config
	}
	if len(job.Config) == 0 {
		return fmt.Errorf("job %s has no input config", jobID)
	}
	job.AutoMode = job.AutoMode || autoMode

	if job.Status == api.StatusDraft || job.Status == api.StatusFailed {
		job.Status = api.StatusRunning
		job.Error = ""
	}
	if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return err
	}
	e.notify(job)

	e.launch(job.ID)
	return nil
}

// launch starts the runner goroutine for a job unless one is already live.
func (e *Engine) launch(jobID string) {
	e.mu.Lock()
	if _, ok := e.active[jobID]; ok {
		e.mu.Unlock()
		return
	}
	e.active[jobID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, jobID)
			// Drop the kick channel too so a long-lived process stays
			// bounded; a later signal or runner recreates it, and every
			// wait loop re-reads persisted state before blocking.
			delete(e.kicks, jobID)
			e.mu.Unlock()
		}()
		e.runJob(e.baseCtx, jobID)
	}()
}

// Pause requests a pause. Valid only while the job is RUNNING; the runner
// observes the new status at its next checkpoint (stage boundary), so an
// in-flight generation call completes and its result is still persisted.
func (e *Engine) Pause(ctx context.Context, jobID string) error {
	job, err := e.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != api.StatusRunning {
		return fmt.Errorf("%w: cannot pause job %s in status %s", ErrInvalidState, jobID, job.Status)
	}

	job.Status = api.StatusPaused
	if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return err
	}
	e.appendEvent(ctx, jobID, job.CurrentStage, api.EventJobPaused, "")
	e.notify(job)
	e.kick(jobID)
	return nil
}

// Resume reverses Pause. Valid only while the job is PAUSED.
func (e *Engine) Resume(ctx context.Context, jobID string) error {
	job, err := e.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != api.StatusPaused {
		return fmt.Errorf("%w: cannot resume job %s in status %s", ErrInvalidState, jobID, job.Status)
	}

	job.Status = api.StatusRunning
	if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return err
	}
	e.appendEvent(ctx, jobID, job.CurrentStage, api.EventJobResumed, "")
	e.notify(job)
	e.kick(jobID)
	e.launch(jobID)
	return nil
}

// Cancel marks a job CANCELLED. Cooperative: the runner exits at its next
// checkpoint. Terminal and sticky.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	job, err := e.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: cannot cancel job %s in status %s", ErrInvalidState, jobID, job.Status)
	}

	job.Status = api.StatusCancelled
	if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return err
	}
	e.appendEvent(ctx, jobID, job.CurrentStage, api.EventJobCancelled, "")
	e.notify(job)
	e.kick(jobID)
	return nil
}

// Approve signals the approval gate for (jobID, stage). The signal only
// transitions the persisted gate and wakes the waiting runner; the stage
// already ran and produced the artifact under approval.
func (e *Engine) Approve(ctx context.Context, jobID string, stage api.Stage) error {
	if err := e.checkGate(ctx, jobID, stage); err != nil {
		return err
	}
	if err := e.stores.Approvals.Upsert(ctx, jobID, stage, api.ApprovalApproved, ""); err != nil {
		return err
	}
	e.appendEvent(ctx, jobID, stage, api.EventApprovalApproved, "")
	e.kick(jobID)
	return nil
}

// Reject signals the approval gate with a rejection. Deliberately, this
// does not re-run the stage: it records the reason and leaves the job
// suspended until a later Approve (or an explicit retry regenerates the
// artifact). Approval is a gate; regeneration is a side operation.
func (e *Engine) Reject(ctx context.Context, jobID string, stage api.Stage, reason string) error {
	if err := e.checkGate(ctx, jobID, stage); err != nil {
		return err
	}
	if err := e.stores.Approvals.Upsert(ctx, jobID, stage, api.ApprovalRejected, reason); err != nil {
		return err
	}
	e.appendEvent(ctx, jobID, stage, api.EventApprovalRejected, reason)
	e.kick(jobID)
	return nil
}

// checkGate validates that an approve/reject signal makes sense for the
// job's current state.
func (e *Engine) checkGate(ctx context.Context, jobID string, stage api.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown stage: %q", stage)
	}
	job, err := e.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == api.StatusCompleted || job.Status == api.StatusCancelled {
		return fmt.Errorf("%w: cannot signal job %s in status %s", ErrInvalidState, jobID, job.Status)
	}
	if _, err := e.stores.Approvals.Get(ctx, jobID, stage); err != nil {
		if errors.Is(err, store.ErrApprovalNotFound) {
			return fmt.Errorf("no approval pending for job %s stage %s", jobID, stage)
		}
		return err
	}
	return nil
}

// JumpTo force-sets the job's current stage, bypassing normal dependency
// execution. Operator recovery only: a live runner picks the new position
// up on its next restart, not mid-flight.
func (e *Engine) JumpTo(ctx context.Context, jobID string, stage api.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown stage: %q", stage)
	}
	job, err := e.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.CurrentStage = stage
	if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return err
	}
	e.appendEvent(ctx, jobID, stage, api.EventStageJumped, "")
	e.notify(job)
	e.kick(jobID)
	return nil
}

// GetJob returns the persisted job row.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*api.Job, error) {
	return e.stores.Jobs.GetJob(ctx, jobID)
}

// OnStatusChange registers a callback invoked whenever the given job's
// persisted status changes. An empty jobID subscribes to every job. The
// returned function cancels the subscription.
//
// Callbacks run on the engine's goroutines and must not block; transports
// (WebSocket, SSE, polling) adapt behind this interface.
func (e *Engine) OnStatusChange(jobID string, fn func(job *api.Job)) (cancel func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = subscription{jobID: jobID, fn: fn}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// notify fans a job snapshot out to matching subscribers.
func (e *Engine) notify(job *api.Job) {
	e.mu.Lock()
	var fns []func(*api.Job)
	for _, sub := range e.subs {
		if sub.jobID == "" || sub.jobID == job.ID {
			fns = append(fns, sub.fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range fns {
		snapshot := *job
		fn(&snapshot)
	}
}

// kick wakes the job's runner so it re-reads persisted state. Non-blocking;
// the buffered channel coalesces bursts.
func (e *Engine) kick(jobID string) {
	select {
	case e.kickChan(jobID) <- struct{}{}:
	default:
	}
}

func (e *Engine) kickChan(jobID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.kicks[jobID]
	if !ok {
		ch = make(chan struct{}, 1)
		e.kicks[jobID] = ch
	}
	return ch
}

func (e *Engine) appendEvent(ctx context.Context, jobID string, stage api.Stage, typ api.EventType, detail string) {
	ev := api.PipelineEvent{
		JobID:  jobID,
		At:     time.Now(),
		Type:   typ,
		Stage:  stage,
		Detail: detail,
	}
	if err := e.stores.Events.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("append pipeline event failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}
