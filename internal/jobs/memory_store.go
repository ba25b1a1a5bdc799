package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jo-hoe/visionbridge/internal/extract"
)

// MemoryStore keeps jobs in a process-wide map guarded by a RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	policy RetentionPolicy
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A nil policy keeps jobs forever.
func NewMemoryStore(policy RetentionPolicy) *MemoryStore {
	if policy == nil {
		policy = KeepForever{}
	}
	return &MemoryStore{jobs: make(map[string]*Job), policy: policy}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("create job: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("create job %s: %w", job.ID, ErrJobExists)
	}
	c := job.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = StatusProcessing
	s.jobs[job.ID] = c
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result extract.Result, completedAt time.Time) error {
	return s.finish(id, func(j *Job) {
		r := result
		j.Status = StatusCompleted
		j.Result = &r
		j.CompletedAt = &completedAt
	})
}

func (s *MemoryStore) Fail(_ context.Context, id string, errKind string, details string, completedAt time.Time) error {
	return s.finish(id, func(j *Job) {
		j.Status = StatusFailed
		j.Error = errKind
		j.Details = details
		j.CompletedAt = &completedAt
	})
}

func (s *MemoryStore) finish(id string, apply func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("finish job %s: %w", id, ErrJobNotFound)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("finish job %s (%s): %w", id, j.Status, ErrJobTerminal)
	}
	apply(j)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, ErrJobNotFound)
	}
	return j.Clone(), nil
}

// Sweep removes terminal jobs the retention policy reports as expired and
// returns how many were removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && s.policy.Expired(j, now) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of retained jobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *MemoryStore) Close() error { return nil }
