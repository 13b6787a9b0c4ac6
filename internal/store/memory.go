package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"stagecraft/pkg/api"
)

// MemoryStore is a goroutine-safe implementation of all repository
// interfaces backed by maps. Intended for tests and local runs.
//
// Returned structs are copies; artifact Content maps are treated as
// immutable once created, per the artifact contract.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]api.Job
	artifacts []api.Artifact
	approvals map[approvalKey]api.Approval
	commands  map[string]api.CommandRecord
	cmdOrder  []string
	events    []api.PipelineEvent
}

type approvalKey struct {
	jobID string
	stage api.Stage
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]api.Job),
		approvals: make(map[approvalKey]api.Approval),
		commands:  make(map[string]api.CommandRecord),
	}
}

// Stores returns a Stores bundle where every repository is this MemoryStore.
func (s *MemoryStore) Stores() Stores {
	return Stores{
		Jobs:      s,
		Artifacts: s,
		Approvals: s,
		Commands:  s,
		Events:    s,
	}
}

var (
	_ JobStore      = (*MemoryStore)(nil)
	_ ArtifactStore = (*MemoryStore)(nil)
	_ ApprovalStore = (*MemoryStore)(nil)
	_ CommandStore  = (*MemoryStore)(nil)
	_ EventStore    = (*MemoryStore)(nil)
)

func (s *MemoryStore) CreateJob(ctx context.Context, job *api.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	j := *job
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*api.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := j
	return &out, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *api.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	j := *job
	j.UpdatedAt = time.Now()
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) EnsureJob(ctx context.Context, id string) (*api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok {
		out := j
		return &out, nil
	}

	now := time.Now()
	j := api.Job{
		ID:           id,
		Status:       api.StatusDraft,
		CurrentStage: api.StagePlan,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.jobs[id] = j
	out := j
	return &out, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*api.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		copied := j
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Create(ctx context.Context, art *api.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.artifacts {
		if a.JobID == art.JobID && a.Stage == art.Stage && a.Type == art.Type && a.Version == art.Version {
			return ErrVersionConflict
		}
	}

	a := *art
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.artifacts = append(s.artifacts, a)
	return nil
}

func (s *MemoryStore) FindLatest(ctx context.Context, jobID string, stage api.Stage, typ api.ArtifactType) (*api.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *api.Artifact
	for i := range s.artifacts {
		a := s.artifacts[i]
		if a.JobID != jobID || a.Stage != stage || a.Type != typ {
			continue
		}
		if latest == nil || a.Version > latest.Version {
			copied := a
			latest = &copied
		}
	}
	if latest == nil {
		return nil, ErrArtifactNotFound
	}
	return latest, nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, jobID string, stage api.Stage, limit int) ([]*api.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Artifact
	for i := range s.artifacts {
		a := s.artifacts[i]
		if a.JobID != jobID || a.Stage != stage {
			continue
		}
		copied := a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Version > out[k].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string, stage api.Stage) (*api.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ap, ok := s.approvals[approvalKey{jobID, stage}]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	out := ap
	return &out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, jobID string, stage api.Stage, status api.ApprovalStatus, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.approvals[approvalKey{jobID, stage}] = api.Approval{
		JobID:     jobID,
		Stage:     stage,
		Status:    status,
		Comment:   comment,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, rec *api.CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.commands[r.ID] = r
	s.cmdOrder = append(s.cmdOrder, r.ID)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, rec *api.CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commands[rec.ID]; !ok {
		return ErrCommandNotFound
	}
	r := *rec
	r.UpdatedAt = time.Now()
	s.commands[r.ID] = r
	return nil
}

func (s *MemoryStore) ListByJob(ctx context.Context, jobID string) ([]*api.CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.CommandRecord
	for _, id := range s.cmdOrder {
		r, ok := s.commands[id]
		if !ok || r.JobID != jobID {
			continue
		}
		copied := r
		out = append(out, &copied)
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev api.PipelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, jobID string) ([]api.PipelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.PipelineEvent
	for _, ev := range s.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}
