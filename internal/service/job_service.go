package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"libdiff/internal/entity"
	"libdiff/internal/repository"
)

var (
	ErrInvalidChange = errors.New("change must be a non-empty string of digits")
	ErrNotRetryable  = errors.New("only failed jobs can be retried")
)

// maxListLimit caps what a caller can ask ListRecentDone for.
const maxListLimit = 100

// Store port (implementations: postgresql.JobRepository, sqlite.JobRepository)
type JobRepository interface {
	FindByChange(ctx context.Context, change string) (*entity.Job, error)
	InsertPendingIfAbsent(ctx context.Context, ref entity.ChangeRef) (*entity.Job, bool, error)
	MarkFailed(ctx context.Context, change, reason string) error
	ResetFailed(ctx context.Context, change string) (*entity.Job, error)
	ListRecent(ctx context.Context, limit int, status entity.JobStatus) ([]entity.Job, error)
}

// Resolver turns a change id into where to fetch it from (gerrit.Client).
type Resolver interface {
	Resolve(ctx context.Context, change string) (entity.ChangeRef, error)
}

// The service only ever pushes; the rest of Queue belongs to the workers.
type JobQueue interface {
	Enqueue(ctx context.Context, change string) error
}

type JobService struct {
	repo        JobRepository
	resolver    Resolver
	queue       JobQueue
	recentLimit int
	log         *zap.Logger
}

func NewJobService(repo JobRepository, resolver Resolver, queue JobQueue, recentLimit int, log *zap.Logger) *JobService {
	if recentLimit <= 0 {
		recentLimit = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &JobService{
		repo:        repo,
		resolver:    resolver,
		queue:       queue,
		recentLimit: recentLimit,
		log:         log,
	}
}

func checkChange(change string) error {
	if !entity.ValidChange(change) {
		return fmt.Errorf("%w: %q", ErrInvalidChange, change)
	}
	return nil
}

// Submit returns the job for change, creating and scheduling it on first
// sight. Metadata resolution happens inline so its errors reach the caller.
func (s *JobService) Submit(ctx context.Context, change string) (*entity.Job, error) {
	if err := checkChange(change); err != nil {
		return nil, err
	}

	job, err := s.repo.FindByChange(ctx, change)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	ref, err := s.resolver.Resolve(ctx, change)
	if err != nil {
		return nil, err
	}

	job, created, err := s.repo.InsertPendingIfAbsent(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !created {
		return job, nil
	}

	if err := s.schedule(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("job submitted", zap.String("change", change), zap.Int64("job_id", job.ID), zap.String("project", job.Project))
	return job, nil
}

// schedule enqueues a pending job. A job that cannot be queued is failed at
// once, so it never sits pending with nobody to run it.
func (s *JobService) schedule(ctx context.Context, job *entity.Job) error {
	err := s.queue.Enqueue(ctx, job.Change)
	if err == nil {
		return nil
	}
	reason := "not scheduled: " + err.Error()
	if mErr := s.repo.MarkFailed(context.WithoutCancel(ctx), job.Change, reason); mErr != nil {
		s.log.Error("mark unscheduled job failed", zap.String("change", job.Change), zap.Error(mErr))
	}
	return fmt.Errorf("enqueue %s: %w", job.Change, err)
}

func (s *JobService) Get(ctx context.Context, change string) (*entity.Job, error) {
	if err := checkChange(change); err != nil {
		return nil, err
	}
	return s.repo.FindByChange(ctx, change)
}

// ListRecentDone returns at most limit done jobs, newest first. limit <= 0
// means the configured default.
func (s *JobService) ListRecentDone(ctx context.Context, limit int) ([]entity.Job, error) {
	if limit <= 0 {
		limit = s.recentLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListRecent(ctx, limit, entity.StatusDone)
}

// Retry puts a failed job back in the queue.
func (s *JobService) Retry(ctx context.Context, change string) (*entity.Job, error) {
	if err := checkChange(change); err != nil {
		return nil, err
	}
	job, err := s.repo.ResetFailed(ctx, change)
	if err != nil {
		if errors.Is(err, repository.ErrNotFailed) {
			return nil, fmt.Errorf("%w: %s", ErrNotRetryable, change)
		}
		return nil, err
	}
	if err := s.schedule(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("job retried", zap.String("change", change), zap.Int64("job_id", job.ID))
	return job, nil
}
