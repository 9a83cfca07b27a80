package postgresql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"libdiff/internal/entity"
	"libdiff/internal/repository"
)

// NewPool connects and pings.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id         BIGSERIAL PRIMARY KEY,
    change     TEXT NOT NULL UNIQUE,
    source_url TEXT NOT NULL,
    fetch_ref  TEXT NOT NULL,
    status     TEXT NOT NULL CHECK (status IN ('pending', 'done', 'failed', 'no_relevant_changes')),
    project    TEXT NOT NULL,
    diff_text  TEXT,
    error      TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS jobs_status_id_idx ON jobs (status, id DESC);
`

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, schema)
	return repository.Wrap("ensure schema", err)
}

const jobColumns = `id, change, source_url, fetch_ref, status, project, diff_text, error, created_at, updated_at`

func scanJob(row pgx.Row, extra ...any) (*entity.Job, error) {
	var (
		job        entity.Job
		statusText string
	)
	dest := []any{
		&job.ID,
		&job.Change,
		&job.SourceURL,
		&job.FetchRef,
		&statusText,
		&job.Project,
		&job.Diff,  // NULL => nil
		&job.Error, // NULL => nil
		&job.CreatedAt,
		&job.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	status, err := entity.ParseStatus(statusText)
	if err != nil {
		return nil, err
	}
	job.Status = status
	return &job, nil
}

func (r *JobRepository) FindByChange(ctx context.Context, change string) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE change = $1;`
	job, err := scanJob(r.pool.QueryRow(ctx, q, change))
	return job, repository.Wrap("find", err)
}

// InsertPendingIfAbsent is a single statement: the no-op DO UPDATE makes
// RETURNING yield the existing row on conflict, and xmax = 0 tells whether
// this statement inserted it.
func (r *JobRepository) InsertPendingIfAbsent(ctx context.Context, ref entity.ChangeRef) (*entity.Job, bool, error) {
	q := `
INSERT INTO jobs (change, source_url, fetch_ref, status, project)
VALUES ($1, $2, $3, 'pending', $4)
ON CONFLICT (change) DO UPDATE SET change = EXCLUDED.change
RETURNING ` + jobColumns + `, (xmax = 0) AS inserted;
`
	var inserted bool
	job, err := scanJob(r.pool.QueryRow(ctx, q, ref.Change, ref.SourceURL, ref.FetchRef, ref.Project), &inserted)
	if err != nil {
		return nil, false, repository.Wrap("insert", err)
	}
	return job, inserted, nil
}

func (r *JobRepository) MarkDone(ctx context.Context, change, diff string) error {
	const q = `UPDATE jobs SET status='done', diff_text=$2, error=NULL, updated_at=now() WHERE change=$1 AND status='pending';`
	return r.transition(ctx, "mark done", q, change, diff)
}

func (r *JobRepository) MarkFailed(ctx context.Context, change, reason string) error {
	const q = `UPDATE jobs SET status='failed', error=$2, diff_text=NULL, updated_at=now() WHERE change=$1 AND status='pending';`
	return r.transition(ctx, "mark failed", q, change, reason)
}

func (r *JobRepository) MarkNoRelevantChanges(ctx context.Context, change string) error {
	const q = `UPDATE jobs SET status='no_relevant_changes', diff_text=NULL, error=NULL, updated_at=now() WHERE change=$1 AND status='pending';`
	return r.transition(ctx, "mark no relevant changes", q, change)
}

func (r *JobRepository) transition(ctx context.Context, op, q string, args ...any) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return repository.Wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrWrongState(ctx, op, args[0].(string), repository.ErrNotPending)
	}
	return nil
}

func (r *JobRepository) missOrWrongState(ctx context.Context, op, change string, wrong error) error {
	if _, err := r.FindByChange(ctx, change); err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, change, wrong)
}

// ResetFailed moves a failed job back to pending for another attempt.
func (r *JobRepository) ResetFailed(ctx context.Context, change string) (*entity.Job, error) {
	q := `
UPDATE jobs SET status='pending', error=NULL, diff_text=NULL, updated_at=now()
WHERE change=$1 AND status='failed'
RETURNING ` + jobColumns + `;`
	job, err := scanJob(r.pool.QueryRow(ctx, q, change))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, r.missOrWrongState(ctx, "reset", change, repository.ErrNotFailed)
	}
	return job, repository.Wrap("reset", err)
}

func (r *JobRepository) ListRecent(ctx context.Context, limit int, status entity.JobStatus) ([]entity.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY id DESC LIMIT $2;`
	rows, err := r.pool.Query(ctx, q, string(status), limit)
	if err != nil {
		return nil, repository.Wrap("list", err)
	}
	defer rows.Close()

	var jobs []entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, repository.Wrap("list", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, repository.Wrap("list", rows.Err())
}

// FailStalePending fails every job that has been pending longer than
// olderThan and returns how many it touched.
func (r *JobRepository) FailStalePending(ctx context.Context, olderThan time.Duration, reason string) (int64, error) {
	const q = `UPDATE jobs SET status='failed', error=$2, updated_at=now() WHERE status='pending' AND updated_at < $1;`
	tag, err := r.pool.Exec(ctx, q, time.Now().Add(-olderThan), reason)
	if err != nil {
		return 0, repository.Wrap("fail stale", err)
	}
	return tag.RowsAffected(), nil
}
