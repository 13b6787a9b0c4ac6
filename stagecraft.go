package stagecraft

import (
	"context"
	"database/sql"

	"stagecraft/internal/command"
	"stagecraft/internal/store"
	"stagecraft/internal/workflow"
	"stagecraft/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Stage                = api.Stage
	Job                  = api.Job
	JobStatus            = api.JobStatus
	Artifact             = api.Artifact
	ArtifactType         = api.ArtifactType
	Approval             = api.Approval
	ApprovalStatus       = api.ApprovalStatus
	StepDefinition       = api.StepDefinition
	StepType             = api.StepType
	ExecutionPolicy      = api.ExecutionPolicy
	RetryPolicy          = api.RetryPolicy
	GenerationConfig     = api.GenerationConfig
	GenerationRequest    = api.GenerationRequest
	GenerationProvider   = api.GenerationProvider
	JobContext           = api.JobContext
	Processor            = api.Processor
	ProcessorFunc        = api.ProcessorFunc
	Command              = api.Command
	CommandRecord        = api.CommandRecord
	PipelineEvent        = api.PipelineEvent
	Observer             = api.Observer
	NoopObserver         = api.NoopObserver
	LoggingObserver      = api.LoggingObserver
	CompositeObserver    = api.CompositeObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	RetryResult          = workflow.RetryResult
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	ParseStage           = api.ParseStage
	StageOrder           = api.StageOrder
)

// Re-export the stage enumeration and job statuses for convenience.

const (
	StagePlan        = api.StagePlan
	StageThemeDesign = api.StageThemeDesign
	StageOutline     = api.StageOutline
	StageStoryboard  = api.StageStoryboard
	StageScript      = api.StageScript
	StagePages       = api.StagePages
	StageDone        = api.StageDone

	StatusDraft           = api.StatusDraft
	StatusRunning         = api.StatusRunning
	StatusWaitingApproval = api.StatusWaitingApproval
	StatusPaused          = api.StatusPaused
	StatusFailed          = api.StatusFailed
	StatusCompleted       = api.StatusCompleted
	StatusCancelled       = api.StatusCancelled

	StepTypeAIGeneration = api.StepTypeAIGeneration
	StepTypeProcessing   = api.StepTypeProcessing
	StepTypeMerge        = api.StepTypeMerge

	ApprovalPending  = api.ApprovalPending
	ApprovalApproved = api.ApprovalApproved
	ApprovalRejected = api.ApprovalRejected

	CommandRun         = api.CommandRun
	CommandPause       = api.CommandPause
	CommandResume      = api.CommandResume
	CommandJumpTo      = api.CommandJumpTo
	CommandModifyStage = api.CommandModifyStage
	CommandRetry       = api.CommandRetry
)

// Pipeline is the top-level handle: a step registry plus the stores, the
// executor, the workflow engine, and the command dispatcher, wired together
// by a Builder.
type Pipeline struct {
	stores     store.Stores
	engine     *workflow.Engine
	dispatcher *command.Dispatcher
}

// Engine constructors. These wrap the internal packages so external
// callers never need to import them.

// NewMemoryPipeline returns a Pipeline backed entirely by in-memory stores,
// running the default content pipeline.
func NewMemoryPipeline(provider GenerationProvider) (*Pipeline, error) {
	return NewBuilder().WithMemoryStore().WithProvider(provider).WithDefaultSteps().Build()
}

// NewSQLitePipeline returns a Pipeline that persists jobs, artifacts,
// approvals, command audit rows, and events in a SQLite database.
func NewSQLitePipeline(db *sql.DB, provider GenerationProvider) (*Pipeline, error) {
	return NewBuilder().WithSQLite(db).WithProvider(provider).WithDefaultSteps().Build()
}

// Start launches (or resumes) a job's workflow. config replaces the job's
// input config when non-nil; autoMode skips all approval gates.
func (p *Pipeline) Start(ctx context.Context, jobID string, config map[string]any, autoMode bool) error {
	return p.engine.Start(ctx, jobID, config, autoMode)
}

// Pause suspends a RUNNING job at its next stage boundary.
func (p *Pipeline) Pause(ctx context.Context, jobID string) error {
	return p.engine.Pause(ctx, jobID)
}

// Resume restarts a PAUSED job.
func (p *Pipeline) Resume(ctx context.Context, jobID string) error {
	return p.engine.Resume(ctx, jobID)
}

// Cancel terminally stops a job.
func (p *Pipeline) Cancel(ctx context.Context, jobID string) error {
	return p.engine.Cancel(ctx, jobID)
}

// Approve signals a stage's approval gate and waits briefly for the job to
// move past it, so the returned row reflects the advance.
func (p *Pipeline) Approve(ctx context.Context, jobID string, stage Stage) (*Job, error) {
	return p.dispatcher.ApproveStage(ctx, jobID, stage)
}

// Reject signals a stage's approval gate with a reason. The job stays
// suspended on the gate; only Approve (or a Retry regeneration) moves it.
func (p *Pipeline) Reject(ctx context.Context, jobID string, stage Stage, reason string) (*Job, error) {
	return p.dispatcher.RejectStage(ctx, jobID, stage, reason)
}

// JumpTo force-sets the job's current stage. Operator recovery only.
func (p *Pipeline) JumpTo(ctx context.Context, jobID string, stage Stage) error {
	return p.engine.JumpTo(ctx, jobID, stage)
}

// Retry regenerates a stage, bypassing memoization.
func (p *Pipeline) Retry(ctx context.Context, jobID string, stage Stage, reason string) (*RetryResult, error) {
	return p.engine.RetryStage(ctx, jobID, stage, reason)
}

// Execute dispatches a control command with a full audit trail.
func (p *Pipeline) Execute(ctx context.Context, jobID string, cmd Command, params map[string]string) (string, error) {
	return p.dispatcher.Execute(ctx, jobID, cmd, params)
}

// ProcessText parses chat-style text and dispatches any command it encodes.
// handled=false means the text is not a control action.
func (p *Pipeline) ProcessText(ctx context.Context, jobID, text string) (result string, handled bool, err error) {
	return p.dispatcher.ProcessText(ctx, jobID, text)
}

// Job fetches a job by id.
func (p *Pipeline) Job(ctx context.Context, jobID string) (*Job, error) {
	return p.stores.Jobs.GetJob(ctx, jobID)
}

// LatestArtifact returns the newest artifact for (jobID, stage).
func (p *Pipeline) LatestArtifact(ctx context.Context, jobID string, stage Stage) (*Artifact, error) {
	return p.stores.Artifacts.FindLatest(ctx, jobID, stage, api.ArtifactTypeJSON)
}

// Artifacts lists recent artifacts for a stage, newest first.
func (p *Pipeline) Artifacts(ctx context.Context, jobID string, stage Stage) ([]*Artifact, error) {
	return p.engine.RecentArtifacts(ctx, jobID, stage)
}

// ApprovalState returns the gate record for (jobID, stage).
func (p *Pipeline) ApprovalState(ctx context.Context, jobID string, stage Stage) (*Approval, error) {
	return p.stores.Approvals.Get(ctx, jobID, stage)
}

// Commands lists the command audit rows for a job, oldest first.
func (p *Pipeline) Commands(ctx context.Context, jobID string) ([]*CommandRecord, error) {
	return p.stores.Commands.ListByJob(ctx, jobID)
}

// Events lists the pipeline event history for a job, oldest first.
func (p *Pipeline) Events(ctx context.Context, jobID string) ([]PipelineEvent, error) {
	return p.stores.Events.ListEvents(ctx, jobID)
}

// OnStatusChange subscribes to persisted status changes for a job (empty
// jobID matches all jobs). The returned function cancels the subscription.
func (p *Pipeline) OnStatusChange(jobID string, fn func(job *Job)) (cancel func()) {
	return p.engine.OnStatusChange(jobID, fn)
}

// Recover relaunches workflows for jobs left RUNNING or WAITING_APPROVAL
// by a previous process. Typically called once on startup:
//
//	if err := p.Recover(ctx); err != nil {
//	    log.Fatal(err)
//	}
func (p *Pipeline) Recover(ctx context.Context) error {
	return p.engine.Recover(ctx)
}

// Close stops all running workflows and waits for them to exit.
func (p *Pipeline) Close() {
	p.engine.Close()
}
