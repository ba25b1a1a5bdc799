// Package processor owns the job lifecycle: it validates and stages a
// submission, records it, hands it to the queue, and finalizes it after the
// inference process has run.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jo-hoe/visionbridge/internal/apperrors"
	"github.com/jo-hoe/visionbridge/internal/config"
	"github.com/jo-hoe/visionbridge/internal/extract"
	"github.com/jo-hoe/visionbridge/internal/inference"
	"github.com/jo-hoe/visionbridge/internal/jobs"
	"github.com/jo-hoe/visionbridge/internal/storage"
	"github.com/jo-hoe/visionbridge/internal/telemetry"
	"github.com/jo-hoe/visionbridge/internal/util"
)

// Stager writes an uploaded image to a temporary file.
type Stager interface {
	Stage(r io.Reader) (*storage.Staged, error)
}

// Enqueuer accepts work without blocking.
type Enqueuer interface {
	Enqueue(item jobs.WorkItem) error
}

// Runner implements jobs.Processor and the submit/poll side of the API.
type Runner struct {
	log    *slog.Logger
	cfg    config.InferenceConfig
	store  jobs.Store
	queue  Enqueuer
	stager Stager
	client inference.Client
	now    func() time.Time
}

// Ensure Runner implements jobs.Processor
var _ jobs.Processor = (*Runner)(nil)

func New(log *slog.Logger, cfg config.InferenceConfig, store jobs.Store, queue Enqueuer, stager Stager, client inference.Client) *Runner {
	return &Runner{
		log:    log,
		cfg:    cfg,
		store:  store,
		queue:  queue,
		stager: stager,
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit checks the model files, stages the image and schedules a job. Errors
// returned here mean no id was issued. Once an id exists every later failure
// is recorded on the job instead.
func (r *Runner) Submit(ctx context.Context, image io.Reader) (string, error) {
	schema, err := r.checkDependencies()
	if err != nil {
		telemetry.SubmitRejected.WithLabelValues(string(apperrors.KindOf(err))).Inc()
		return "", err
	}

	staged, err := r.stager.Stage(image)
	if err != nil {
		telemetry.SubmitRejected.WithLabelValues(string(apperrors.KindOf(err))).Inc()
		return "", err
	}

	job := &jobs.Job{ID: util.NewID(), Status: jobs.StatusProcessing, CreatedAt: r.now()}
	if err := r.store.Create(ctx, job); err != nil {
		_ = staged.Cleanup()
		telemetry.SubmitRejected.WithLabelValues(string(apperrors.KindUnexpectedFault)).Inc()
		return "", apperrors.Wrap(apperrors.KindUnexpectedFault, err, "record job")
	}
	telemetry.JobsSubmitted.Inc()

	log := r.log.With("job_id", job.ID)
	item := jobs.WorkItem{Job: *job, ImagePath: staged.Path, Schema: schema, Cleanup: staged.Cleanup}
	if err := r.queue.Enqueue(item); err != nil {
		log.Warn("enqueue rejected", "err", err)
		r.fail(ctx, log, job.ID, apperrors.Wrap(apperrors.KindUnexpectedFault, err, "enqueue job"))
		if cErr := staged.Cleanup(); cErr != nil {
			log.Warn("cleanup failed", "err", cErr)
		}
		return job.ID, nil
	}
	log.Info("job accepted", "image", staged.Path, "structured", r.cfg.Structured())
	return job.ID, nil
}

// Poll returns a snapshot of the job, or jobs.ErrJobNotFound.
func (r *Runner) Poll(ctx context.Context, id string) (*jobs.Job, error) {
	return r.store.Get(ctx, id)
}

// CheckDependencies reports DependencyMissing when a model, projector or
// schema file is absent or unusable. Callers run it before reading an upload.
func (r *Runner) CheckDependencies() error {
	if _, err := r.checkDependencies(); err != nil {
		telemetry.SubmitRejected.WithLabelValues(string(apperrors.KindOf(err))).Inc()
		return err
	}
	return nil
}

// checkDependencies verifies the model, projector and optional schema exist
// and returns the schema text.
func (r *Runner) checkDependencies() (string, error) {
	var paths []string
	if r.cfg.LocalModels() {
		paths = append(paths, r.cfg.ModelPath(), r.cfg.ProjectorPath())
	}
	if r.cfg.Structured() {
		paths = append(paths, r.cfg.SchemaPath)
	}
	if missing := inference.MissingFiles(paths...); len(missing) > 0 {
		return "", apperrors.Newf(apperrors.KindDependencyMissing, "%d required file(s) not found", len(missing)).
			WithDetails("missing: " + strings.Join(missing, ", "))
	}
	if !r.cfg.Structured() {
		return "", nil
	}
	raw, err := os.ReadFile(r.cfg.SchemaPath)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindDependencyMissing, err, "read schema").
			WithDetails("schema: " + r.cfg.SchemaPath)
	}
	if !json.Valid(raw) {
		return "", apperrors.New(apperrors.KindDependencyMissing, "schema is not valid JSON").
			WithDetails("schema: " + r.cfg.SchemaPath)
	}
	return string(raw), nil
}

func (r *Runner) mode() extract.Mode {
	if r.cfg.Structured() {
		return extract.ModeStructured
	}
	return extract.ModeText
}

func (r *Runner) prompt() string {
	if r.cfg.Structured() {
		return r.cfg.StructuredPrompt
	}
	return r.cfg.Prompt
}

// Process runs one job to a terminal state. The staged image is removed on
// every path, including a recovered panic.
func (r *Runner) Process(ctx context.Context, item jobs.WorkItem) (err error) {
	log := r.log.With("job_id", item.Job.ID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job panicked", "panic", fmt.Sprint(rec))
			err = apperrors.Newf(apperrors.KindUnexpectedFault, "panic: %v", rec)
			r.fail(ctx, log, item.Job.ID, err)
		}
		if item.Cleanup != nil {
			if cErr := item.Cleanup(); cErr != nil {
				log.Warn("cleanup failed", "err", cErr)
			}
		}
	}()

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = apperrors.Wrap(apperrors.KindUnexpectedFault, ctxErr, "job cancelled before start")
		r.fail(ctx, log, item.Job.ID, err)
		return err
	}

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	out, err := r.invoke(runCtx, item)

	if err != nil {
		r.fail(ctx, log, item.Job.ID, err)
		return err
	}
	if out.ExitCode != 0 {
		err = apperrors.Newf(apperrors.KindInferenceFailed, "exit code %d", out.ExitCode).
			WithDetails(inference.Describe(out))
		r.fail(ctx, log, item.Job.ID, err)
		return err
	}

	result, err := extract.Extract(string(out.Stdout), r.mode())
	if err != nil {
		err = apperrors.Wrap(apperrors.KindNoParsableOutput, err, "extract output").
			WithDetails(apperrors.DetailsOf(err) + "\n" + inference.Describe(out))
		r.fail(ctx, log, item.Job.ID, err)
		return err
	}

	if sErr := r.store.Complete(context.WithoutCancel(ctx), item.Job.ID, result, r.now()); sErr != nil {
		r.logStoreError(log, sErr)
		return nil
	}
	telemetry.JobsCompleted.Inc()
	log.Info("job completed", "duration", out.Duration)
	return nil
}

func (r *Runner) invoke(ctx context.Context, item jobs.WorkItem) (inference.Output, error) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	out, err := r.client.Invoke(ctx, inference.Request{
		ImagePath: item.ImagePath,
		Prompt:    r.prompt(),
		Schema:    item.Schema,
	})
	telemetry.InferenceTime.Observe(out.Duration.Seconds())
	return out, err
}

// fail records err on the job. Store writes outlive the job's context so a
// deadline still produces a terminal record.
func (r *Runner) fail(ctx context.Context, log *slog.Logger, id string, err error) {
	kind := apperrors.KindOf(err)
	if sErr := r.store.Fail(context.WithoutCancel(ctx), id, string(kind), apperrors.DetailsOf(err), r.now()); sErr != nil {
		r.logStoreError(log, sErr)
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(kind)).Inc()
	log.Warn("job failed", "kind", kind, "err", err)
}

func (r *Runner) logStoreError(log *slog.Logger, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrJobTerminal):
		log.Warn("dropping job update", "err", err)
	default:
		log.Error("store update failed", "err", err)
	}
}
