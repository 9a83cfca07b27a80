package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"libdiff/internal/entity"
	"libdiff/internal/pipeline"
	"libdiff/internal/repository"
)

type JobRepo interface {
	FindByChange(ctx context.Context, change string) (*entity.Job, error)
	MarkDone(ctx context.Context, change, diff string) error
	MarkFailed(ctx context.Context, change, reason string) error
	MarkNoRelevantChanges(ctx context.Context, change string) error
}

type Builder interface {
	Run(ctx context.Context, job *entity.Job) (pipeline.Result, error)
}

// persistTimeout bounds the final status write, which runs detached from the
// build's own (possibly expired) context.
const persistTimeout = 30 * time.Second

type Processor struct {
	repo    JobRepo
	builder Builder
	tracker *Tracker
	timeout time.Duration
	log     *zap.Logger
}

func NewProcessor(repo JobRepo, builder Builder, tracker *Tracker, timeout time.Duration, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{repo: repo, builder: builder, tracker: tracker, timeout: timeout, log: log}
}

// Process builds the pending job for change and records its terminal status.
// Jobs that are unknown, already terminal or already running here are
// skipped without error so a redelivered queue item is harmless.
func (p *Processor) Process(ctx context.Context, change string) error {
	start := time.Now()

	job, err := p.repo.FindByChange(ctx, change)
	if errors.Is(err, repository.ErrNotFound) {
		p.log.Warn("queued change has no job", zap.String("change", change))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", change, err)
	}
	if job.Status != entity.StatusPending {
		p.log.Info("skipping job", zap.String("change", change), zap.String("status", string(job.Status)))
		return nil
	}

	jctx, h, done, err := p.tracker.Start(ctx, job, p.timeout)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			p.log.Info("skipping job", zap.String("change", change), zap.String("status", "running"))
			return nil
		}
		return err
	}
	defer done()

	log := p.log.With(zap.String("change", change), zap.Int64("job_id", job.ID), zap.Stringer("handle", h.ID))
	log.Info("build started", zap.String("project", job.Project), zap.String("ref", job.FetchRef))

	res, runErr := p.build(jctx, job)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if runErr != nil {
		reason := pipeline.Reason(runErr)
		if cause := context.Cause(jctx); errors.Is(cause, ErrBuildCanceled) || errors.Is(cause, ErrShutdown) {
			reason = fmt.Sprintf("%s: %v", pipeline.KindCanceled, cause)
		}
		log.Warn("build failed",
			zap.String("status", string(entity.StatusFailed)),
			zap.String("kind", string(pipeline.KindOf(runErr))),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Error(runErr),
		)
		return p.persist(log, p.repo.MarkFailed(pctx, change, reason))
	}

	switch res.Status {
	case entity.StatusDone:
		log.Info("build done",
			zap.String("status", string(res.Status)),
			zap.String("diff_size", humanize.Bytes(uint64(len(res.Diff)))),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return p.persist(log, p.repo.MarkDone(pctx, change, res.Diff))
	case entity.StatusNoRelevantChanges:
		log.Info("build skipped",
			zap.String("status", string(res.Status)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return p.persist(log, p.repo.MarkNoRelevantChanges(pctx, change))
	case entity.StatusPending, entity.StatusFailed:
		return p.persist(log, p.repo.MarkFailed(pctx, change,
			fmt.Sprintf("%s: build returned status %s", pipeline.KindInternal, res.Status)))
	default:
		return p.persist(log, p.repo.MarkFailed(pctx, change,
			fmt.Sprintf("%s: build returned unknown status %q", pipeline.KindInternal, res.Status)))
	}
}

// build runs the builder and turns a panic into an internal StepError.
func (p *Processor) build(ctx context.Context, job *entity.Job) (res pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("build panicked", zap.String("change", job.Change), zap.Any("panic", r), zap.Stack("stack"))
			err = &pipeline.StepError{Kind: pipeline.KindInternal, Step: "build", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return p.builder.Run(ctx, job)
}

func (p *Processor) persist(log *zap.Logger, err error) error {
	if errors.Is(err, repository.ErrNotPending) {
		// the janitor got there first
		log.Warn("job left pending before the build finished", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	return nil
}
