package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stagecraft/internal/executor"
	"stagecraft/internal/store"
	"stagecraft/pkg/api"
)

// runJob drives one job through the registered stages in order. Position is
// re-derived from persisted state on every entry, so the same code path
// serves a fresh start, a resume after pause, and a recovery after restart.
func (e *Engine) runJob(ctx context.Context, jobID string) {
	job, err := e.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Error("runner cannot load job", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}

	e.obs.OnJobStart(ctx, job)
	e.appendEvent(ctx, jobID, job.CurrentStage, api.EventJobStarted, "")

	steps := e.reg.StepsInExecutionOrder()
	for _, def := range steps {
		job, err = e.stores.Jobs.GetJob(ctx, jobID)
		if err != nil {
			e.logger.Error("runner cannot reload job", slog.String("job_id", jobID), slog.Any("error", err))
			return
		}

		// Checkpoint: honor pause/cancel before touching the next stage.
		job, ok := e.checkpoint(ctx, job)
		if !ok {
			return
		}

		switch {
		case def.Stage.Position() < job.CurrentStage.Position():
			// Already produced and passed its gate. Skip.
			continue
		case def.Stage.Position() == job.CurrentStage.Position() && job.Status == api.StatusWaitingApproval:
			// Restart landed on an open gate: the artifact exists, only
			// the approval is outstanding. Re-enter the wait directly.
			if !e.waitForApproval(ctx, jobID, def.Stage) {
				return
			}
			continue
		}

		res, err := e.executeWithRetry(ctx, job, def)
		if err != nil {
			// The executor already persisted FAILED; report and stop.
			if failed, gerr := e.stores.Jobs.GetJob(ctx, jobID); gerr == nil {
				e.obs.OnJobFailed(ctx, failed, err)
				e.notify(failed)
			}
			return
		}

		gated := def.Execution.RequiresApproval && !job.AutoMode
		if gated && !res.Cached {
			e.obs.OnApprovalPending(ctx, job, def.Stage)
			e.notifyCurrent(ctx, jobID)
			if !e.waitForApproval(ctx, jobID, def.Stage) {
				return
			}
		}
	}

	job, err = e.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		e.logger.Error("runner cannot finalize job", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if job.Status.Terminal() {
		return
	}
	job.Status = api.StatusCompleted
	if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
		e.logger.Error("persist completion failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	e.obs.OnJobCompleted(ctx, job)
	e.appendEvent(ctx, jobID, job.CurrentStage, api.EventJobCompleted, "")
	e.notify(job)
}

// checkpoint blocks while the job is PAUSED and reports whether the runner
// should keep going. Returns the freshest job row on true.
func (e *Engine) checkpoint(ctx context.Context, job *api.Job) (*api.Job, bool) {
	kick := e.kickChan(job.ID)
	for {
		switch job.Status {
		case api.StatusCancelled, api.StatusCompleted:
			return nil, false
		case api.StatusPaused:
			select {
			case <-kick:
			case <-ctx.Done():
				return nil, false
			}
		default:
			return job, true
		}

		fresh, err := e.stores.Jobs.GetJob(ctx, job.ID)
		if err != nil {
			e.logger.Error("checkpoint reload failed", slog.String("job_id", job.ID), slog.Any("error", err))
			return nil, false
		}
		job = fresh
	}
}

// executeWithRetry runs one stage through the executor, applying the
// step's retry policy with exponential backoff. Each attempt gets its own
// timeout when the policy sets one.
func (e *Engine) executeWithRetry(ctx context.Context, job *api.Job, def api.StepDefinition) (*executor.Result, error) {
	policy := def.Execution.Retry
	attempts := 1
	backoff := time.Duration(0)
	multiplier := 2.0
	maxBackoff := time.Duration(0)
	if policy != nil {
		if policy.MaxAttempts > 0 {
			attempts = policy.MaxAttempts
		}
		backoff = policy.InitialBackoff
		if policy.BackoffMultiplier > 0 {
			multiplier = policy.BackoffMultiplier
		}
		maxBackoff = policy.MaxBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff = time.Duration(float64(backoff) * multiplier)
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		e.obs.OnStageStart(ctx, job, def.Stage)
		start := time.Now()

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if def.Execution.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, def.Execution.Timeout)
		}
		opts := executor.Options{CreatedBy: "workflow"}
		if len(def.InputSources) == 0 {
			// Root stages consume the job's own input config.
			opts.RawInput = job.Config
		}
		res, err := e.exec.Execute(attemptCtx, job.ID, def.Stage, opts)
		cancel()

		e.obs.OnStageCompleted(ctx, job, def.Stage, err, time.Since(start))
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < attempts {
			e.logger.Warn("stage attempt failed, retrying",
				slog.String("job_id", job.ID),
				slog.String("stage", string(def.Stage)),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
	}
	return nil, lastErr
}

// waitForApproval blocks until the gate for (jobID, stage) is APPROVED.
// Rejections keep the gate armed: the reason is already persisted by
// Reject, and the loop simply resumes waiting. Only terminal statuses and
// context cancellation break out without approval.
//
// Persisted state is authoritative: the runner re-reads the approval row
// after every wake-up, so a signal that landed while the process was down
// is honored on recovery.
func (e *Engine) waitForApproval(ctx context.Context, jobID string, stage api.Stage) bool {
	kick := e.kickChan(jobID)
	for {
		job, err := e.stores.Jobs.GetJob(ctx, jobID)
		if err != nil {
			e.logger.Error("gate reload failed", slog.String("job_id", jobID), slog.Any("error", err))
			return false
		}
		if job.Status == api.StatusCancelled {
			return false
		}

		ap, err := e.stores.Approvals.Get(ctx, jobID, stage)
		if err != nil && !errors.Is(err, store.ErrApprovalNotFound) {
			e.logger.Error("approval reload failed", slog.String("job_id", jobID), slog.Any("error", err))
			return false
		}
		if ap != nil && ap.Status == api.ApprovalApproved {
			job.Status = api.StatusRunning
			if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
				e.logger.Error("persist post-approval status failed", slog.String("job_id", jobID), slog.Any("error", err))
				return false
			}
			e.notify(job)
			return true
		}

		select {
		case <-kick:
		case <-ctx.Done():
			return false
		}
	}
}

// notifyCurrent pushes the freshest persisted job row to subscribers.
func (e *Engine) notifyCurrent(ctx context.Context, jobID string) {
	if job, err := e.stores.Jobs.GetJob(ctx, jobID); err == nil {
		e.notify(job)
	}
}
