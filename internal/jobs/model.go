package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jo-hoe/visionbridge/internal/extract"
)

// Status represents the lifecycle state of an inference job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one asynchronous inference request.
type Job struct {
	ID          string          // UUIDv4, immutable
	Status      Status          // processing -> completed | failed
	Result      *extract.Result // set only when completed
	Error       string          // short category, set only when failed
	Details     string          // long diagnostic, set only when failed
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Clone returns a snapshot copy. Result fields are shared; they are never
// mutated after completion.
func (j *Job) Clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

var (
	// ErrJobNotFound is returned for ids never issued (or already evicted).
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a job whose id is taken.
	ErrJobExists = errors.New("job already exists")
	// ErrJobTerminal is returned when mutating a completed or failed job.
	ErrJobTerminal = errors.New("job already in a terminal state")
)

// Store persists jobs and owns their state transitions. Complete and Fail are
// the only mutations after Create and each succeeds at most once per job.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Complete(ctx context.Context, id string, result extract.Result, completedAt time.Time) error
	Fail(ctx context.Context, id string, errKind string, details string, completedAt time.Time) error
	Get(ctx context.Context, id string) (*Job, error)
	Close() error
}
