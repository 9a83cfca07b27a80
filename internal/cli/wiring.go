package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"libdiff/internal/config"
	"libdiff/internal/differ"
	"libdiff/internal/entity"
	"libdiff/internal/gerrit"
	"libdiff/internal/gitrepo"
	"libdiff/internal/installer"
	"libdiff/internal/pipeline"
	"libdiff/internal/repository/postgresql"
	"libdiff/internal/repository/sqlite"
	"libdiff/internal/service"
	"libdiff/internal/shell"
	"libdiff/internal/worker"
)

// store is everything the commands need from a job store backend.
type store interface {
	service.JobRepository
	worker.JobRepo
	worker.StaleRepo
}

const (
	janitorSchedule = "@every 1m"
	requeueMax      = 1000
	shutdownGrace   = 30 * time.Second
)

type app struct {
	store   store
	queue   service.Queue
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp opens the store and the queue selected by cfg.
func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	a := &app{}

	if cfg.PostgresDSN != "" {
		pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("pg: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		repo := postgresql.NewJobRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.store = repo
		log.Info("store ready", zap.String("backend", "postgresql"), zap.String("dsn", config.RedactDSN(cfg.PostgresDSN)))
	} else {
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = repo.Close() })
		a.store = repo
		log.Info("store ready", zap.String("backend", "sqlite"), zap.String("path", cfg.SQLitePath))
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.queue = service.NewRedisQueue(rdb, cfg.QueueKey, cfg.WorkerProcessingKey(), cfg.QueueDepth)
		log.Info("queue ready", zap.String("backend", "redis"), zap.String("addr", cfg.RedisAddr), zap.String("queue_key", cfg.QueueKey), zap.String("processing_key", cfg.WorkerProcessingKey()))
	} else {
		a.queue = service.NewMemoryQueue(cfg.QueueDepth)
		log.Info("queue ready", zap.String("backend", "memory"), zap.Int("depth", cfg.QueueDepth))
	}
	return a, nil
}

func newPipeline(cfg config.Config, log *zap.Logger) *pipeline.Pipeline {
	run := &shell.Exec{
		Timeout: cfg.CommandTimeout,
		Env:     []string{"GIT_TERMINAL_PROMPT=0", "COMPOSER_NO_INTERACTION=1"},
		Log:     log.Named("shell"),
	}
	return pipeline.New(
		cfg.WorkspaceRoot,
		gitrepo.New(run),
		installer.New(run, log.Named("installer")),
		differ.New(differ.DefaultOptions()),
		log.Named("pipeline"),
	)
}

func newResolver(cfg config.Config, log *zap.Logger) *gerrit.Client {
	return gerrit.New(cfg.GerritURL, log.Named("gerrit"))
}

// startWorkers runs the pool and the janitor until ctx is done. The returned
// wait blocks until both stopped, cancelling builds still running after
// shutdownGrace.
func (a *app) startWorkers(ctx context.Context, cfg config.Config, log *zap.Logger) (*worker.Tracker, func(), error) {
	if n, err := a.queue.RequeueStale(ctx, requeueMax); err != nil {
		log.Warn("requeue stale", zap.Error(err))
	} else if n > 0 {
		log.Info("requeued jobs from processing", zap.Int64("count", n))
	}

	tracker := worker.NewTracker()
	processor := worker.NewProcessor(a.store, newPipeline(cfg, log), tracker, cfg.JobTimeout, log.Named("worker"))
	pool := worker.NewPool(a.queue, processor, cfg.Workers, log.Named("worker"))

	janitor := worker.NewJanitor(a.store, a.queue, cfg.StaleAfter, log.Named("janitor"))
	if err := janitor.Start(janitorSchedule); err != nil {
		return nil, nil, err
	}

	stopped := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(stopped)
	}()

	wait := func() {
		<-ctx.Done()
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			n := tracker.CancelAll(worker.ErrShutdown)
			log.Warn("cancelled builds on shutdown", zap.Int("count", n))
			<-stopped
		}
		janitor.Stop()
	}
	return tracker, wait, nil
}

// runOnce builds change synchronously without a store or queue.
func runOnce(ctx context.Context, cfg config.Config, log *zap.Logger, change string) (pipeline.Result, error) {
	if !entity.ValidChange(change) {
		return pipeline.Result{}, fmt.Errorf("%w: %q", service.ErrInvalidChange, change)
	}
	ref, err := newResolver(cfg, log).Resolve(ctx, change)
	if err != nil {
		return pipeline.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
	defer cancel()

	job := &entity.Job{
		Change:    ref.Change,
		SourceURL: ref.SourceURL,
		FetchRef:  ref.FetchRef,
		Project:   ref.Project,
		Status:    entity.StatusPending,
	}
	return newPipeline(cfg, log).Run(ctx, job)
}
