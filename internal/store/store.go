// Package store defines the typed repositories behind the workflow engine:
// jobs, artifacts, approvals, command audit rows, and pipeline events.
//
// Each entity gets an explicit interface with concrete method signatures.
// Implementations exist for in-memory use (tests, local runs) and SQLite.
package store

import (
	"context"
	"errors"

	"stagecraft/pkg/api"
)

var (
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrArtifactNotFound is returned when no artifact exists for the
	// requested (job, stage, type).
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrApprovalNotFound is returned when no approval row exists for
	// the requested (job, stage).
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrCommandNotFound is returned when a command audit row is unknown.
	ErrCommandNotFound = errors.New("command record not found")

	// ErrVersionConflict is returned by ArtifactStore.Create when the
	// (job, stage, type, version) tuple already exists. Callers re-read
	// the latest version and retry.
	ErrVersionConflict = errors.New("artifact version conflict")
)

// JobFilter selects jobs from the store. Zero values mean "no filter".
type JobFilter struct {
	Status api.JobStatus
}

// JobStore handles storage of pipeline jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *api.Job) error
	GetJob(ctx context.Context, id string) (*api.Job, error)
	UpdateJob(ctx context.Context, job *api.Job) error
	// EnsureJob returns the job with the given id, creating it as DRAFT
	// if it does not exist yet. Idempotent.
	EnsureJob(ctx context.Context, id string) (*api.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*api.Job, error)
}

// ArtifactStore handles versioned, immutable stage outputs.
type ArtifactStore interface {
	// Create inserts a new artifact row. The (JobID, Stage, Type,
	// Version) tuple must be unique; Create returns ErrVersionConflict
	// if it is not.
	Create(ctx context.Context, art *api.Artifact) error

	// FindLatest returns the artifact with the highest version for
	// (jobID, stage, typ), or ErrArtifactNotFound.
	FindLatest(ctx context.Context, jobID string, stage api.Stage, typ api.ArtifactType) (*api.Artifact, error)

	// ListRecent returns up to limit artifacts for (jobID, stage),
	// newest version first.
	ListRecent(ctx context.Context, jobID string, stage api.Stage, limit int) ([]*api.Artifact, error)
}

// ApprovalStore handles the per-(job, stage) approval gate records.
type ApprovalStore interface {
	Get(ctx context.Context, jobID string, stage api.Stage) (*api.Approval, error)
	// Upsert creates or replaces the approval row for (jobID, stage).
	Upsert(ctx context.Context, jobID string, stage api.Stage, status api.ApprovalStatus, comment string) error
}

// CommandStore is the append-only audit log of dispatched commands.
type CommandStore interface {
	Append(ctx context.Context, rec *api.CommandRecord) error
	// Update closes an audit row (EXECUTING -> SUCCESS/FAILED).
	Update(ctx context.Context, rec *api.CommandRecord) error
	ListByJob(ctx context.Context, jobID string) ([]*api.CommandRecord, error)
}

// EventStore is an append-only history store for pipeline events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.PipelineEvent) error
	ListEvents(ctx context.Context, jobID string) ([]api.PipelineEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.PipelineEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, jobID string) ([]api.PipelineEvent, error) {
	return nil, nil
}

// Stores bundles the repository interfaces so the engine can depend on a
// single abstraction.
type Stores struct {
	Jobs      JobStore
	Artifacts ArtifactStore
	Approvals ApprovalStore
	Commands  CommandStore
	Events    EventStore
}
