package syncjob

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbforge/pgbridge/internal/errs"
)

// Patch is a partial job update. Nil fields are left unchanged.
type Patch struct {
	Status      *Status
	Checkpoint  *Checkpoint
	Progress    *Progress
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Store persists jobs, checkpoints, and activity logs. Implementations
// must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, spec *Spec) (*Job, error)
	Update(ctx context.Context, id string, patch Patch) error
	GetByID(ctx context.Context, id, userID string) (*Job, error)
	AppendLog(ctx context.Context, id, level, message string) error
	Logs(ctx context.Context, id string, limit int) ([]LogEntry, error)

	// Delete removes a job and its logs. Owner-scoped like GetByID.
	Delete(ctx context.Context, id, userID string) error

	// CountActive returns the user's jobs in pending or running status.
	// Backs the per-user concurrency cap.
	CountActive(ctx context.Context, userID string) (int, error)
}

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	logs map[string][]LogEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		logs: make(map[string][]LogEntry),
	}
}

func (s *MemoryStore) Create(_ context.Context, spec *Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	job := &Job{
		ID:                 uuid.NewString(),
		UserID:             spec.UserID,
		SourceConnectionID: spec.SourceConnectionID,
		TargetConnectionID: spec.TargetConnectionID,
		Direction:          spec.Direction,
		TablesConfig:       append([]TableConfig(nil), spec.TablesConfig...),
		Force:              spec.Force,
		Status:             StatusPending,
		CreatedAt:          time.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return cloneJob(job), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return errs.Newf(errs.ErrKindNotFound, "job %s not found", id)
	}
	applyPatch(job, patch)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id, userID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.UserID != userID {
		return nil, errs.Newf(errs.ErrKindNotFound, "job %s not found", id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) AppendLog(_ context.Context, id, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return errs.Newf(errs.ErrKindNotFound, "job %s not found", id)
	}
	s.logs[id] = append(s.logs[id], LogEntry{
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) Logs(_ context.Context, id string, limit int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.logs[id]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]LogEntry(nil), entries...), nil
}

func (s *MemoryStore) Delete(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.UserID != userID {
		return errs.Newf(errs.ErrKindNotFound, "job %s not found", id)
	}
	delete(s.jobs, id)
	delete(s.logs, id)
	return nil
}

func (s *MemoryStore) CountActive(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.UserID == userID && (job.Status == StatusPending || job.Status == StatusRunning) {
			n++
		}
	}
	return n, nil
}

func applyPatch(job *Job, patch Patch) {
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Checkpoint != nil {
		cp := *patch.Checkpoint
		job.Checkpoint = &cp
	}
	if patch.Progress != nil {
		p := *patch.Progress
		job.Progress = &p
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		job.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		job.CompletedAt = &t
	}
}

func cloneJob(job *Job) *Job {
	c := *job
	c.TablesConfig = append([]TableConfig(nil), job.TablesConfig...)
	if job.Checkpoint != nil {
		cp := *job.Checkpoint
		cp.LastProcessedKey = append([]any(nil), job.Checkpoint.LastProcessedKey...)
		c.Checkpoint = &cp
	}
	if job.Progress != nil {
		p := *job.Progress
		c.Progress = &p
	}
	return &c
}
