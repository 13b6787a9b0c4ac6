// Package executor runs single stages: it assembles inputs from prior
// artifacts, dispatches to the stage's generation or processing logic,
// validates and persists the output, and manages approval gating.
//
// The executor is a single-attempt, side-effecting unit. Retry policies are
// applied by the workflow layer around it, which makes it suitable for
// at-least-once durable invocation.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"stagecraft/internal/registry"
	"stagecraft/internal/store"
	"stagecraft/pkg/api"
)

// Executor executes one stage for one job.
type Executor struct {
	reg      *registry.Registry
	stores   store.Stores
	provider api.GenerationProvider
	prompts  api.PromptConfigSource
	blobs    api.BlobStore
	logger   *slog.Logger
}

// Config wires an Executor. Provider is required when any registered stage
// is AI_GENERATION; Prompts and Blobs default to no-ops; Logger defaults to
// slog.Default().
type Config struct {
	Registry *registry.Registry
	Stores   store.Stores
	Provider api.GenerationProvider
	Prompts  api.PromptConfigSource
	Blobs    api.BlobStore
	Logger   *slog.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	prompts := cfg.Prompts
	if prompts == nil {
		prompts = api.StaticPromptConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stores := cfg.Stores
	if stores.Events == nil {
		stores.Events = store.NoopEventStore{}
	}
	return &Executor{
		reg:      cfg.Registry,
		stores:   stores,
		provider: cfg.Provider,
		prompts:  prompts,
		blobs:    cfg.Blobs,
		logger:   logger,
	}
}

// Options tunes a single Execute call.
type Options struct {
	// RawInput is merged into the assembled input after artifact
	// injection. Only the first stage normally receives one (the
	// original markdown from the job config).
	RawInput map[string]any

	// ForceRerun bypasses the memoization check. Set only by the retry
	// sub-workflow; it is the sole way to regenerate an already-approved
	// stage.
	ForceRerun bool

	// CreatedBy is recorded on the produced artifact.
	CreatedBy string
}

// Result is the outcome of a successful Execute call.
type Result struct {
	Output     map[string]any
	ArtifactID string
	Version    int

	// Cached is set when the memoization check returned a prior
	// artifact without re-invoking generation.
	Cached bool
}

// Execute runs the given stage for the given job.
//
// Every failure path persists Job.Status = FAILED with the error message
// before returning, so external observers always have a durable, queryable
// failure reason. The caller decides whether to retry.
func (e *Executor) Execute(ctx context.Context, jobID string, stage api.Stage, opts Options) (*Result, error) {
	def, ok := e.reg.Get(stage)
	if !ok {
		err := fmt.Errorf("no step definition found for stage %s", stage)
		e.markFailed(ctx, jobID, stage, err)
		return nil, err
	}

	job, err := e.stores.Jobs.EnsureJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("ensure job %s: %w", jobID, err)
	}

	if !opts.ForceRerun {
		if cached := e.memoized(ctx, job, def); cached != nil {
			e.appendEvent(ctx, jobID, stage, api.EventStageCached, "")
			return cached, nil
		}
	}

	input, err := e.assembleInput(ctx, job, def, opts.RawInput)
	if err != nil {
		e.markFailed(ctx, jobID, stage, err)
		return nil, err
	}

	output, err := e.dispatch(ctx, job, def, input)
	if err != nil {
		e.markFailed(ctx, jobID, stage, err)
		return nil, err
	}

	if err := e.reg.ValidateOutput(stage, output); err != nil {
		err = fmt.Errorf("output validation failed for stage %s: %w", stage, err)
		e.markFailed(ctx, jobID, stage, err)
		return nil, err
	}

	art, err := e.persist(ctx, job, def, output, opts.CreatedBy)
	if err != nil {
		e.markFailed(ctx, jobID, stage, err)
		return nil, err
	}

	if err := e.gate(ctx, job, def); err != nil {
		e.markFailed(ctx, jobID, stage, err)
		return nil, err
	}

	e.appendEvent(ctx, jobID, stage, api.EventStageCompleted, fmt.Sprintf("version %d", art.Version))

	return &Result{
		Output:     art.Content,
		ArtifactID: art.ID,
		Version:    art.Version,
	}, nil
}

// memoized returns a cached result when a prior artifact can be reused:
// the artifact exists, its approval gate (if any) is APPROVED, and the job
// has already progressed to or past this stage. This makes re-entrant calls
// after a crash-restart safe and cheap.
func (e *Executor) memoized(ctx context.Context, job *api.Job, def api.StepDefinition) *Result {
	art, err := e.stores.Artifacts.FindLatest(ctx, job.ID, def.Stage, api.ArtifactTypeJSON)
	if err != nil {
		return nil
	}

	if def.Execution.RequiresApproval && !job.AutoMode {
		ap, err := e.stores.Approvals.Get(ctx, job.ID, def.Stage)
		if err != nil || ap.Status != api.ApprovalApproved {
			return nil
		}
	}

	if job.CurrentStage.Position() < def.Stage.Position() {
		return nil
	}

	return &Result{
		Output:     art.Content,
		ArtifactID: art.ID,
		Version:    art.Version,
		Cached:     true,
	}
}

// assembleInput fetches the latest artifact for each input source, injects
// it under the source's key, merges raw input fields, and validates the
// result against the input schema.
func (e *Executor) assembleInput(ctx context.Context, job *api.Job, def api.StepDefinition, raw map[string]any) (map[string]any, error) {
	input := make(map[string]any)

	for _, src := range def.InputSources {
		art, err := e.stores.Artifacts.FindLatest(ctx, job.ID, src, api.ArtifactTypeJSON)
		if err != nil {
			if errors.Is(err, store.ErrArtifactNotFound) {
				return nil, fmt.Errorf("stage %s: missing artifact for input source %s", def.Stage, src)
			}
			return nil, fmt.Errorf("stage %s: load input source %s: %w", def.Stage, src, err)
		}
		input[src.Key()] = art.Content
	}

	for k, v := range raw {
		input[k] = v
	}

	if err := e.reg.ValidateInput(def.Stage, input); err != nil {
		return nil, fmt.Errorf("input validation failed for stage %s: %w", def.Stage, err)
	}
	return input, nil
}

// dispatch invokes the stage's execution strategy by step type.
func (e *Executor) dispatch(ctx context.Context, job *api.Job, def api.StepDefinition, input map[string]any) (map[string]any, error) {
	switch def.Type {
	case api.StepTypeAIGeneration:
		return e.generate(ctx, def, input)

	case api.StepTypeProcessing, api.StepTypeMerge:
		// A nil Processor is impossible here: the registry rejects
		// processing definitions without one.
		return def.Processor.Process(ctx, input, api.JobContext{
			JobID:  job.ID,
			Stage:  def.Stage,
			Config: job.Config,
		})

	default:
		return nil, fmt.Errorf("stage %s: unknown step type %q", def.Stage, def.Type)
	}
}

// generate resolves the active generation config (external override first,
// static definition as fallback), renders the prompt template, and invokes
// the generation provider.
func (e *Executor) generate(ctx context.Context, def api.StepDefinition, input map[string]any) (map[string]any, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("stage %s: no generation provider configured", def.Stage)
	}

	cfg := def.Generation
	if override, err := e.prompts.ActiveConfig(ctx, def.Stage); err != nil {
		e.logger.Warn("prompt config lookup failed, using static config",
			slog.String("stage", string(def.Stage)),
			slog.Any("error", err),
		)
	} else if override != nil {
		cfg = override
	}

	prompt, err := RenderPrompt(cfg.PromptTemplate, input)
	if err != nil {
		return nil, fmt.Errorf("stage %s: render prompt: %w", def.Stage, err)
	}

	out, err := e.provider.Generate(ctx, api.GenerationRequest{
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		Prompt:       prompt,
		OutputSchema: def.OutputSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: generation failed: %w", def.Stage, err)
	}
	return out, nil
}

// persist allocates the next artifact version and writes the row, then
// uploads a best-effort blob copy. The version read-then-write is guarded
// by the store's unique constraint; on conflict the allocation is retried.
func (e *Executor) persist(ctx context.Context, job *api.Job, def api.StepDefinition, output map[string]any, createdBy string) (*api.Artifact, error) {
	var art *api.Artifact

	for attempt := 0; attempt < 3; attempt++ {
		version := 1
		latest, err := e.stores.Artifacts.FindLatest(ctx, job.ID, def.Stage, api.ArtifactTypeJSON)
		if err == nil {
			version = latest.Version + 1
		} else if !errors.Is(err, store.ErrArtifactNotFound) {
			return nil, fmt.Errorf("stage %s: read latest artifact: %w", def.Stage, err)
		}

		candidate := &api.Artifact{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Stage:     def.Stage,
			Type:      api.ArtifactTypeJSON,
			Version:   version,
			Content:   output,
			CreatedBy: createdBy,
			CreatedAt: time.Now(),
		}

		err = e.stores.Artifacts.Create(ctx, candidate)
		if err == nil {
			art = candidate
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("stage %s: persist artifact: %w", def.Stage, err)
		}
		// Another writer claimed this version; re-read and retry.
	}
	if art == nil {
		return nil, fmt.Errorf("stage %s: persist artifact: too many version conflicts", def.Stage)
	}

	e.uploadBlob(ctx, art)
	return art, nil
}

// uploadBlob copies the artifact content to blob storage. Failures are
// logged and never fail the step; the database row is authoritative.
func (e *Executor) uploadBlob(ctx context.Context, art *api.Artifact) {
	if e.blobs == nil {
		return
	}

	data, err := json.Marshal(art.Content)
	if err != nil {
		e.logger.Warn("blob upload skipped: marshal artifact",
			slog.String("artifact_id", art.ID),
			slog.Any("error", err),
		)
		return
	}

	key := fmt.Sprintf("%s/%s/v%d.json", art.JobID, art.Stage.Key(), art.Version)
	url, err := e.blobs.Upload(ctx, key, data)
	if err != nil {
		e.logger.Warn("blob upload failed",
			slog.String("artifact_id", art.ID),
			slog.String("key", key),
			slog.Any("error", err),
		)
		return
	}
	art.BlobURL = url
}

// gate finalizes the job row after a successful stage execution: either
// suspend at a fresh PENDING approval or keep running. A pause or cancel
// that landed while the stage was in flight wins over RUNNING: the result
// is persisted, but the job does not auto-advance.
func (e *Executor) gate(ctx context.Context, job *api.Job, def api.StepDefinition) error {
	if fresh, err := e.stores.Jobs.GetJob(ctx, job.ID); err == nil {
		job.Status = fresh.Status
	}
	// A forced rerun of an earlier stage must not regress the position.
	if def.Stage.Position() > job.CurrentStage.Position() {
		job.CurrentStage = def.Stage
	}
	job.Error = ""

	switch {
	case job.Status == api.StatusCancelled, job.Status == api.StatusCompleted:
		// Keep the terminal status; a cancel (or completion) that landed
		// while the stage was in flight wins.

	case def.Execution.RequiresApproval && !job.AutoMode:
		// Reset the gate, clearing any stale comment from a prior round.
		if err := e.stores.Approvals.Upsert(ctx, job.ID, def.Stage, api.ApprovalPending, ""); err != nil {
			return fmt.Errorf("stage %s: create pending approval: %w", def.Stage, err)
		}
		job.Status = api.StatusWaitingApproval
		e.appendEvent(ctx, job.ID, def.Stage, api.EventApprovalPending, "")

	case job.Status != api.StatusPaused:
		job.Status = api.StatusRunning
	}

	if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("stage %s: update job: %w", def.Stage, err)
	}
	return nil
}

// markFailed persists the failure on the job row. Best effort: a storage
// error here is logged, since the original error is already on its way to
// the caller.
func (e *Executor) markFailed(ctx context.Context, jobID string, stage api.Stage, cause error) {
	job, err := e.stores.Jobs.EnsureJob(ctx, jobID)
	if err != nil {
		e.logger.Error("mark job failed: ensure job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	job.Status = api.StatusFailed
	job.CurrentStage = stage
	job.Error = cause.Error()
	if err := e.stores.Jobs.UpdateJob(ctx, job); err != nil {
		e.logger.Error("mark job failed: update job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
	e.appendEvent(ctx, jobID, stage, api.EventStageFailed, cause.Error())
}

func (e *Executor) appendEvent(ctx context.Context, jobID string, stage api.Stage, typ api.EventType, detail string) {
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
