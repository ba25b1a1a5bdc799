package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/visionbridge/internal/common"
)

var (
	// ErrQueueFull is returned by Enqueue when every slot is taken.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned by Enqueue before Start or after Shutdown.
	ErrQueueClosed = errors.New("queue is not accepting work")
)

// WorkItem carries what the background step needs for one job, plus a cleanup
// func for its staged image. Cleanup must be safe to call more than once.
type WorkItem struct {
	Job       Job
	ImagePath string
	Schema    string
	Cleanup   func() error
}

// Processor defines how to process a WorkItem.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// Queue is an in-memory bounded queue for WorkItems with a worker pool.
type Queue struct {
	log        *slog.Logger
	ch         chan WorkItem
	workers    int
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	processor  Processor
	stopCtx    context.Context
	started    bool
	stopped    bool
	mu         sync.Mutex
}

// NewQueue creates a new Queue with the given capacity and worker count.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		ch:      make(chan WorkItem, capacity),
		workers: workers,
	}
}

// Start launches worker goroutines that consume WorkItems and process them using the provided Processor.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.processor = p
	q.stopCtx = ctx
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case item, ok := <-q.ch:
			if !ok {
				log.Debug("queue closed, worker exiting")
				return
			}
			q.run(ctx, log.With("job_id", item.Job.ID), p, item)
		}
	}
}

func (q *Queue) run(ctx context.Context, log *slog.Logger, p Processor, item WorkItem) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("processor panicked", "panic", fmt.Sprint(rec))
		}
		// Ensure cleanup is attempted regardless of outcome.
		if item.Cleanup != nil {
			if err := item.Cleanup(); err != nil {
				log.Warn("cleanup failed", "err", err)
			}
		}
	}()
	log.Debug("processing job")
	if err := p.Process(ctx, item); err != nil {
		log.Error("job processing failed", "err", err, "duration", time.Since(start))
		return
	}
	log.Info("job processed", "duration", time.Since(start))
}

// Enqueue adds a WorkItem to the queue without blocking.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.stopped {
		return ErrQueueClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// drain hands items still buffered at shutdown to the processor with the
// cancelled context so they are finalized and cleaned up instead of dropped.
func (q *Queue) drain() {
	if q.processor == nil {
		return
	}
	for item := range q.ch {
		q.run(q.stopCtx, q.log.With("job_id", item.Job.ID), q.processor, item)
	}
}

// Shutdown stops accepting work, cancels in-flight jobs and waits for workers
// up to the provided deadline.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		if q.cancel != nil {
			q.cancel()
		}
		// close channel to unblock workers if they are waiting on receive
		close(q.ch)
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
			q.drain()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; workers may still be running")
		}
	})
}
