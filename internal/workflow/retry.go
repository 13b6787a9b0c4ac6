package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stagecraft/internal/executor"
	"stagecraft/pkg/api"
)

// maxRetryArtifactIDs caps the artifact id list reported by a retry.
const maxRetryArtifactIDs = 10

// RetryResult reports the outcome of one retry sub-workflow invocation.
type RetryResult struct {
	Success     bool
	RetryCount  int
	ArtifactIDs []string // most recent artifact ids for the stage, newest first
	Error       string
}

// RetryStage forces a stage to regenerate, bypassing memoization. It runs
// under its own timeout, independent of any pipeline run, and is the one
// path that resets a FAILED job back to RUNNING.
//
// Cooperative cancel: callers abort an in-flight retry by cancelling ctx.
func (e *Engine) RetryStage(ctx context.Context, jobID string, stage api.Stage, reason string) (*RetryResult, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage: %q", stage)
	}
	def, ok := e.reg.Get(stage)
	if !ok {
		return nil, fmt.Errorf("no step definition found for stage %s", stage)
	}

	ctx, cancel := context.WithTimeout(ctx, e.retryTimeout)
	defer cancel()

	job, err := e.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == api.StatusCancelled {
		return nil, fmt.Errorf("%w: cannot retry job %s in status %s", ErrInvalidState, jobID, job.Status)
	}

	if job.Status == api.StatusFailed {
		job.Status = api.StatusRunning
		job.Error = ""
	}
	job.RetryCount++
	if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	e.appendEvent(ctx, jobID, stage, api.EventRetryRequested, reason)
	e.notify(job)

	res := &RetryResult{RetryCount: job.RetryCount}
	opts := executor.Options{ForceRerun: true, CreatedBy: "retry"}
	if len(def.InputSources) == 0 {
		opts.RawInput = job.Config
	}
	_, execErr := e.exec.Execute(ctx, jobID, stage, opts)

	arts, listErr := e.stores.Artifacts.ListRecent(ctx, jobID, stage, maxRetryArtifactIDs)
	if listErr != nil {
		e.logger.Warn("list retry artifacts failed",
			slog.String("job_id", jobID),
			slog.String("stage", string(stage)),
			slog.Any("error", listErr),
		)
	}
	for _, a := range arts {
		res.ArtifactIDs = append(res.ArtifactIDs, a.ID)
	}

	// Wake any runner parked on this stage's gate so it observes the
	// regenerated artifact and the re-armed approval.
	e.kick(jobID)

	if execErr != nil {
		res.Error = execErr.Error()
		e.notifyCurrent(ctx, jobID)
		return res, execErr
	}
	res.Success = true
	e.notifyCurrent(ctx, jobID)
	return res, nil
}

// RecentArtifacts lists the newest artifacts for a stage, capped like the
// retry report.
func (e *Engine) RecentArtifacts(ctx context.Context, jobID string, stage api.Stage) ([]*api.Artifact, error) {
	return e.stores.Artifacts.ListRecent(ctx, jobID, stage, maxRetryArtifactIDs)
}

// WaitForStatus polls until the job reaches one of the wanted statuses or
// the deadline passes, returning the final row either way. Command
// dispatch uses it to report a synchronous outcome for fire-and-forget
// signals.
func (e *Engine) WaitForStatus(ctx context.Context, jobID string, deadline time.Duration, want ...api.JobStatus) (*api.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := e.stores.Jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		for _, s := range want {
			if job.Status == s {
				return job, nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return job, nil
		}
	}
}
