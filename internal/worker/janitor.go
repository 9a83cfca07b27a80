package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const staleReason = "timeout: job stayed pending too long"

type StaleRepo interface {
	FailStalePending(ctx context.Context, olderThan time.Duration, reason string) (int64, error)
}

type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}

// Janitor periodically fails jobs nobody finished, so every job ends up
// terminal even when its worker died.
type Janitor struct {
	repo       StaleRepo
	queue      DepthReporter
	staleAfter time.Duration
	cron       *cron.Cron
	log        *zap.Logger
}

func NewJanitor(repo StaleRepo, queue DepthReporter, staleAfter time.Duration, log *zap.Logger) *Janitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{
		repo:       repo,
		queue:      queue,
		staleAfter: staleAfter,
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:        log,
	}
}

// Start schedules Sweep on spec, e.g. "@every 1m".
func (j *Janitor) Start(spec string) error {
	if _, err := j.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		j.Sweep(ctx)
	}); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info("janitor started", zap.String("schedule", spec), zap.Duration("stale_after", j.staleAfter))
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) Sweep(ctx context.Context) {
	n, err := j.repo.FailStalePending(ctx, j.staleAfter, staleReason)
	if err != nil {
		j.log.Error("fail stale jobs", zap.Error(err))
	} else if n > 0 {
		j.log.Warn("failed stale jobs", zap.Int64("count", n))
	}

	if j.queue == nil {
		return
	}
	depth, err := j.queue.Depth(ctx)
	if err != nil {
		j.log.Warn("queue depth", zap.Error(err))
		return
	}
	j.log.Debug("queue depth", zap.Int64("depth", depth))
}
