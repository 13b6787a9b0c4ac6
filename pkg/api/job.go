package api

import "time"

// JobStatus represents the lifecycle state of a pipeline job.
type JobStatus string

const (
	StatusDraft           JobStatus = "DRAFT"
	StatusRunning         JobStatus = "RUNNING"
	StatusWaitingApproval JobStatus = "WAITING_APPROVAL"
	StatusPaused          JobStatus = "PAUSED"
	StatusFailed          JobStatus = "FAILED"
	StatusCompleted       JobStatus = "COMPLETED"
	StatusCancelled       JobStatus = "CANCELLED"
)

// Terminal reports whether the status is sticky. FAILED is terminal but may
// still transition back to RUNNING via an explicit retry.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one pipeline run. It is created DRAFT on first reference and
// mutated exclusively by the workflow engine and the step executor.
type Job struct {
	ID           string
	Status       JobStatus
	CurrentStage Stage

	// Config is the opaque input payload, e.g. the source markdown under
	// key "markdown". It is merged into the first stage's raw input.
	Config map[string]any

	// AutoMode, when set, treats every approval gate as pre-approved.
	AutoMode bool

	// RetryCount is a monotonic counter incremented by the retry
	// sub-workflow. It is never reset.
	RetryCount int

	// Error holds the failure reason while Status is FAILED.
	Error string

	CreatedAt time.Time
	UpdatedAt time.Time
}
