package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetentionPolicy decides when a terminal job may be dropped from a store.
// Processing jobs are never offered to a policy.
type RetentionPolicy interface {
	Expired(job *Job, now time.Time) bool
}

// KeepForever retains every job for the lifetime of the process. Memory grows
// with every submission.
type KeepForever struct{}

// Expired always reports false.
func (KeepForever) Expired(*Job, time.Time) bool { return false }

// TTL drops terminal jobs once they have been finished for longer than the duration.
type TTL time.Duration

// Expired reports whether job finished more than ttl before now.
func (ttl TTL) Expired(job *Job, now time.Time) bool {
	if job.CompletedAt == nil {
		return false
	}
	return now.Sub(*job.CompletedAt) > time.Duration(ttl)
}

// PolicyFor returns TTL(retention) for a positive retention and KeepForever otherwise.
func PolicyFor(retention time.Duration) RetentionPolicy {
	if retention > 0 {
		return TTL(retention)
	}
	return KeepForever{}
}

// Sweeper is implemented by stores that evict expired jobs on demand.
type Sweeper interface {
	Sweep(now time.Time) int
}

// RunSweeper calls s.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, log *slog.Logger, s Sweeper, every time.Duration) error {
	if every <= 0 {
		return errors.New("sweep interval must be positive")
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := s.Sweep(now.UTC()); n > 0 {
				log.Info("evicted expired jobs", "count", n)
			}
		}
	}
}
