package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"stagecraft/internal/store"
	"stagecraft/internal/workflow"
	"stagecraft/pkg/api"
)

// ErrUnknownCommand is returned by Execute for a command outside the known
// set. Rejected before any audit row is written.
var ErrUnknownCommand = errors.New("unknown command")

// signalPollInterval and signalPollTimeout bound how long ApproveStage
// waits to report a synchronous-looking result. The workflow suspension
// itself is event-driven; this polling exists only for the caller's sake.
const (
	signalPollInterval = 200 * time.Millisecond
	signalPollTimeout  = 20 * time.Second
)

// Dispatcher executes parsed commands against the workflow engine, writing
// one audit row per dispatch. The row always leaves EXECUTING: success and
// failure both close it before Execute returns.
type Dispatcher struct {
	engine *workflow.Engine
	stores store.Stores
	logger *slog.Logger
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(engine *workflow.Engine, stores store.Stores, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{engine: engine, stores: stores, logger: logger}
}

// ProcessText parses free text and, when it encodes a known command,
// dispatches it. handled=false means the text is not a control action and
// should fall through to whatever chat handling the caller has.
func (d *Dispatcher) ProcessText(ctx context.Context, jobID, text string) (result string, handled bool, err error) {
	p := Parse(text)
	if p == nil {
		return "", false, nil
	}
	result, err = d.Execute(ctx, jobID, p.Command, p.Params)
	return result, true, err
}

// Execute validates, audits, and dispatches one command. Exactly one audit
// row transitions EXECUTING -> SUCCESS/FAILED per call.
func (d *Dispatcher) Execute(ctx context.Context, jobID string, cmd api.Command, params map[string]string) (string, error) {
	if !cmd.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	rec := &api.CommandRecord{
		ID:      uuid.NewString(),
		JobID:   jobID,
		Command: cmd,
		Params:  params,
		Status:  api.CommandExecuting,
	}
	if err := d.stores.Commands.Append(ctx, rec); err != nil {
		return "", fmt.Errorf("append command audit row: %w", err)
	}

	result, err := d.dispatch(ctx, jobID, cmd, params)

	if err != nil {
		rec.Status = api.CommandFailed
		rec.Error = err.Error()
	} else {
		rec.Status = api.CommandSuccess
		rec.Result = result
	}
	if uerr := d.stores.Commands.Update(ctx, rec); uerr != nil {
		d.logger.Error("close command audit row failed",
			slog.String("command_id", rec.ID),
			slog.Any("error", uerr),
		)
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, jobID string, cmd api.Command, params map[string]string) (string, error) {
	switch cmd {
	case api.CommandRun:
		return d.run(ctx, jobID)
	case api.CommandPause:
		if err := d.engine.Pause(ctx, jobID); err != nil {
			return "", err
		}
		return "job paused", nil
	case api.CommandResume:
		if err := d.engine.Resume(ctx, jobID); err != nil {
			return "", err
		}
		return "job resumed", nil
	case api.CommandJumpTo:
		stage, err := requireStage(params)
		if err != nil {
			return "", err
		}
		if err := d.engine.JumpTo(ctx, jobID, stage); err != nil {
			return "", err
		}
		return fmt.Sprintf("jumped to stage %s", stage), nil
	case api.CommandModifyStage:
		return d.modifyStage(ctx, jobID, params)
	case api.CommandRetry:
		return d.retry(ctx, jobID, params)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
}

// run is idempotent: a job that is already RUNNING is left alone, and a
// PAUSED one is resumed rather than restarted.
func (d *Dispatcher) run(ctx context.Context, jobID string) (string, error) {
	job, err := d.stores.Jobs.GetJob(ctx, jobID)
	if err != nil && !errors.Is(err, store.ErrJobNotFound) {
		return "", err
	}
	if job != nil {
		switch job.Status {
		case api.StatusRunning:
			return "job already running", nil
		case api.StatusPaused:
			if err := d.engine.Resume(ctx, jobID); err != nil {
				return "", err
			}
			return "job resumed", nil
		}
	}
	if err := d.engine.Start(ctx, jobID, nil, false); err != nil {
		return "", err
	}
	return "job started", nil
}

// modifyStage validates and records per-stage config overrides. The
// overrides land in the job config under "stage_overrides"; what each
// stage does with them is the stage's own business.
func (d *Dispatcher) modifyStage(ctx context.Context, jobID string, params map[string]string) (string, error) {
	stage, err := requireStage(params)
	if err != nil {
		return "", err
	}
	mods := map[string]any{}
	for key, value := range params {
		if key == "stage" {
			continue
		}
		mods[key] = value
	}
	if len(mods) == 0 {
		return "", fmt.Errorf("modify-stage requires at least one key=value modification")
	}

	job, err := d.stores.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Config == nil {
		job.Config = map[string]any{}
	}
	overrides, _ := job.Config["stage_overrides"].(map[string]any)
	if overrides == nil {
		overrides = map[string]any{}
	}
	existing, _ := overrides[stage.Key()].(map[string]any)
	if existing == nil {
		existing = map[string]any{}
	}
	for key, value := range mods {
		existing[key] = value
	}
	overrides[stage.Key()] = existing
	job.Config["stage_overrides"] = overrides

	if err := d.stores.Jobs.UpdateJob(ctx, job); err != nil {
		return "", err
	}
	return fmt.Sprintf("stage %s modified (%d overrides)", stage, len(mods)), nil
}

// retry targets the specified stage, defaulting to the job's current one.
func (d *Dispatcher) retry(ctx context.Context, jobID string, params map[string]string) (string, error) {
	var stage api.Stage
	if raw, ok := params["stage"]; ok && raw != "" {
		parsed, err := api.ParseStage(raw)
		if err != nil {
			return "", err
		}
		stage = parsed
	} else {
		job, err := d.stores.Jobs.GetJob(ctx, jobID)
		if err != nil {
			return "", err
		}
		stage = job.CurrentStage
	}

	res, err := d.engine.RetryStage(ctx, jobID, stage, params["reason"])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("stage %s regenerated (retry #%d, %d artifacts)",
		stage, res.RetryCount, len(res.ArtifactIDs)), nil
}

// ApproveStage signals the approval gate, then polls briefly so the caller
// sees the job move past the gate (or land on the next one) before the
// call returns.
func (d *Dispatcher) ApproveStage(ctx context.Context, jobID string, stage api.Stage) (*api.Job, error) {
	if err := d.engine.Approve(ctx, jobID, stage); err != nil {
		return nil, err
	}
	return d.waitPastGate(ctx, jobID, stage)
}

// RejectStage signals the gate with a reason. The job stays suspended; no
// polling is needed because nothing advances on reject.
func (d *Dispatcher) RejectStage(ctx context.Context, jobID string, stage api.Stage, reason string) (*api.Job, error) {
	if err := d.engine.Reject(ctx, jobID, stage, reason); err != nil {
		return nil, err
	}
	return d.stores.Jobs.GetJob(ctx, jobID)
}

// waitPastGate polls until the job is no longer suspended on the given
// stage, or the bounded timeout passes. Returns the freshest row either
// way.
func (d *Dispatcher) waitPastGate(ctx context.Context, jobID string, stage api.Stage) (*api.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, signalPollTimeout)
	defer cancel()

	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()

	for {
		job, err := d.stores.Jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		past := job.Status != api.StatusWaitingApproval ||
			job.CurrentStage.Position() > stage.Position()
		if past || job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return job, nil
		}
	}
}

func requireStage(params map[string]string) (api.Stage, error) {
	raw, ok := params["stage"]
	if !ok || raw == "" {
		return "", fmt.Errorf("missing required parameter: stage")
	}
	return api.ParseStage(raw)
}
