package api

import "time"

// ArtifactType classifies an artifact's payload. Stages currently produce
// JSON content; the type field keeps room for rendered binary outputs
// referenced by blob URL.
type ArtifactType string

const (
	ArtifactTypeJSON ArtifactType = "json"
)

// Artifact is an immutable, versioned output of one stage execution for one
// job. Versions are strictly increasing per (JobID, Stage, Type), starting
// at 1; "latest" means max version.
type Artifact struct {
	ID      string
	JobID   string
	Stage   Stage
	Type    ArtifactType
	Version int

	// Content is the JSON payload produced by the stage. The database row
	// is authoritative; BlobURL is a best-effort copy.
	Content map[string]any

	// BlobURL points at an external blob copy of the content, if the
	// upload succeeded. Empty otherwise.
	BlobURL string

	Meta      map[string]any
	CreatedBy string
	CreatedAt time.Time
}

// ApprovalStatus is the state of a per-(job, stage) approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Approval is the upserted (not versioned) approval record for one stage of
// one job. It is created PENDING by the executor when an approval-gated
// stage completes, and transitioned only by an external signal.
type Approval struct {
	JobID     string
	Stage     Stage
	Status    ApprovalStatus
	Comment   string
	UpdatedAt time.Time
}
