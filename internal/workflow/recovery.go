package workflow

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"stagecraft/internal/store"
	"stagecraft/pkg/api"
)

// Recover relaunches runners for every job the previous process left
// mid-flight. RUNNING jobs resume at their next unfinished stage;
// WAITING_APPROVAL jobs re-enter their gate and honor approvals that
// arrived while the process was down. Call once at startup.
func (e *Engine) Recover(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, status := range []api.JobStatus{api.StatusRunning, api.StatusWaitingApproval} {
		g.Go(func() error {
			jobs, err := e.stores.Jobs.ListJobs(ctx, store.JobFilter{Status: status})
			if err != nil {
				return err
			}
			for _, job := range jobs {
				e.logger.Info("recovering job",
					slog.String("job_id", job.ID),
					slog.String("status", string(job.Status)),
					slog.String("stage", string(job.CurrentStage)),
				)
				e.launch(job.ID)
			}
			return nil
		})
	}
	return g.Wait()
}
