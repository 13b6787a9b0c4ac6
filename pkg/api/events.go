package api

import "time"

// EventType identifies a pipeline history event.
type EventType string

const (
	EventJobStarted   EventType = "job.started"
	EventJobResumed   EventType = "job.resumed"
	EventJobPaused    EventType = "job.paused"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"

	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"
	EventStageCached    EventType = "stage.cached"

	EventApprovalPending  EventType = "approval.pending"
	EventApprovalApproved EventType = "approval.approved"
	EventApprovalRejected EventType = "approval.rejected"

	EventRetryRequested EventType = "retry.requested"
	EventStageJumped    EventType = "stage.jumped"
)

// PipelineEvent is a minimal append-only history record for audit and
// debugging. It is intentionally small and stable; richer history can be
// layered later.
type PipelineEvent struct {
	JobID string
	At    time.Time
	Type  EventType

	// Optional context.
	Stage Stage

	// Small, human-oriented details (e.g. rejection reason, error
	// string). Keep this low-volume: do NOT dump artifact payloads here.
	Detail string
}
