package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay pipeline execution. Transports (WebSocket,
// SSE, polling) plug in here or via Engine.OnStatusChange rather than being
// baked into the engine.
type Observer interface {
	// OnJobStart is called once when a job's workflow is launched,
	// before the first stage executes.
	OnJobStart(ctx context.Context, job *Job)

	// OnJobCompleted is called when a job reaches StatusCompleted.
	OnJobCompleted(ctx context.Context, job *Job)

	// OnJobFailed is called when a job transitions to StatusFailed.
	OnJobFailed(ctx context.Context, job *Job, err error)

	// OnStageStart is called before the executor runs a stage.
	OnStageStart(ctx context.Context, job *Job, stage Stage)

	// OnStageCompleted is called after a stage execution attempt, for
	// both successes and failures (err != nil).
	OnStageCompleted(ctx context.Context, job *Job, stage Stage, err error, duration time.Duration)

	// OnApprovalPending is called when a stage completes and the job
	// suspends at its approval gate.
	OnApprovalPending(ctx context.Context, job *Job, stage Stage)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnJobStart(ctx context.Context, job *Job)            {}
func (NoopObserver) OnJobCompleted(ctx context.Context, job *Job)        {}
func (NoopObserver) OnJobFailed(ctx context.Context, job *Job, e error)  {}
func (NoopObserver) OnStageStart(ctx context.Context, job *Job, s Stage) {}
func (NoopObserver) OnStageCompleted(ctx context.Context, job *Job, s Stage, e error, d time.Duration) {
}
func (NoopObserver) OnApprovalPending(ctx context.Context, job *Job, s Stage) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnJobStart(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobStart(ctx, job)
	}
}

func (c *CompositeObserver) OnJobCompleted(ctx context.Context, job *Job) {
	for _, o := range c.observers {
		o.OnJobCompleted(ctx, job)
	}
}

func (c *CompositeObserver) OnJobFailed(ctx context.Context, job *Job, err error) {
	for _, o := range c.observers {
		o.OnJobFailed(ctx, job, err)
	}
}

func (c *CompositeObserver) OnStageStart(ctx context.Context, job *Job, stage Stage) {
	for _, o := range c.observers {
		o.OnStageStart(ctx, job, stage)
	}
}

func (c *CompositeObserver) OnStageCompleted(ctx context.Context, job *Job, stage Stage, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStageCompleted(ctx, job, stage, err, d)
	}
}

func (c *CompositeObserver) OnApprovalPending(ctx context.Context, job *Job, stage Stage) {
	for _, o := range c.observers {
		o.OnApprovalPending(ctx, job, stage)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs job / stage lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnJobStart(ctx context.Context, job *Job) {
	o.Logger.InfoContext(ctx, "job_start",
		slog.String("job_id", job.ID),
		slog.String("stage", string(job.CurrentStage)),
	)
}

func (o *LoggingObserver) OnJobCompleted(ctx context.Context, job *Job) {
	o.Logger.InfoContext(ctx, "job_completed",
		slog.String("job_id", job.ID),
	)
}

func (o *LoggingObserver) OnJobFailed(ctx context.Context, job *Job, err error) {
	o.Logger.ErrorContext(ctx, "job_failed",
		slog.String("job_id", job.ID),
		slog.String("stage", string(job.CurrentStage)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStageStart(ctx context.Context, job *Job, stage Stage) {
	o.Logger.DebugContext(ctx, "stage_start",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
	)
}

func (o *LoggingObserver) OnStageCompleted(ctx context.Context, job *Job, stage Stage, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "stage_completed",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnApprovalPending(ctx context.Context, job *Job, stage Stage) {
	o.Logger.InfoContext(ctx, "approval_pending",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
	)
}

// BasicMetrics collects simple counters and aggregate stage durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	jobsStarted        atomic.Int64
	jobsCompleted      atomic.Int64
	jobsFailed         atomic.Int64
	approvalsRequested atomic.Int64
	stagesCompleted    atomic.Int64
	totalStageDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	JobsStarted        int64
	JobsCompleted      int64
	JobsFailed         int64
	JobsInFlight       int64
	ApprovalsRequested int64

	StagesCompleted  int64
	AvgStageDuration time.Duration
}

func (m *BasicMetrics) OnJobStart(ctx context.Context, job *Job) {
	m.jobsStarted.Add(1)
}

func (m *BasicMetrics) OnJobCompleted(ctx context.Context, job *Job) {
	m.jobsCompleted.Add(1)
}

func (m *BasicMetrics) OnJobFailed(ctx context.Context, job *Job, err error) {
	m.jobsFailed.Add(1)
}

func (m *BasicMetrics) OnApprovalPending(ctx context.Context, job *Job, stage Stage) {
	m.approvalsRequested.Add(1)
}

func (m *BasicMetrics) OnStageCompleted(ctx context.Context, job *Job, stage Stage, err error, d time.Duration) {
	// Only count successful stages for average duration.
	if err == nil {
		m.stagesCompleted.Add(1)
		m.totalStageDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.jobsStarted.Load()
	completed := m.jobsCompleted.Load()
	failed := m.jobsFailed.Load()
	stages := m.stagesCompleted.Load()
	totalNs := m.totalStageDuration.Load()

	var avg time.Duration
	if stages > 0 {
		avg = time.Duration(totalNs / stages)
	}

	return BasicMetricsSnapshot{
		JobsStarted:        started,
		JobsCompleted:      completed,
		JobsFailed:         failed,
		JobsInFlight:       started - completed - failed,
		ApprovalsRequested: m.approvalsRequested.Load(),
		StagesCompleted:    stages,
		AvgStageDuration:   avg,
	}
}
