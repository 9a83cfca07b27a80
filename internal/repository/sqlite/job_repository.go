// Package sqlite stores jobs in a local SQLite file through gorm. It suits a
// single serve process; use the postgresql store when workers run elsewhere.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"libdiff/internal/entity"
	"libdiff/internal/repository"
)

type jobRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Change    string `gorm:"uniqueIndex;not null"`
	SourceURL string `gorm:"not null"`
	FetchRef  string `gorm:"not null"`
	Status    string `gorm:"index;not null"`
	Project   string `gorm:"not null"`
	DiffText  *string
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (jobRow) TableName() string { return "jobs" }

func (r jobRow) toEntity() (*entity.Job, error) {
	status, err := entity.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &entity.Job{
		ID:        r.ID,
		Change:    r.Change,
		SourceURL: r.SourceURL,
		FetchRef:  r.FetchRef,
		Project:   r.Project,
		Status:    status,
		Diff:      r.DiffText,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

type JobRepository struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates the jobs
// table. The pool is capped at one connection: SQLite serialises writers
// anyway, and this keeps get-or-create free of "database is locked".
func Open(path string) (*JobRepository, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &JobRepository{db: db}, nil
}

func (r *JobRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *JobRepository) find(tx *gorm.DB, change string) (*entity.Job, error) {
	var row jobRow
	if err := tx.Where("change = ?", change).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return row.toEntity()
}

func (r *JobRepository) FindByChange(ctx context.Context, change string) (*entity.Job, error) {
	job, err := r.find(r.db.WithContext(ctx), change)
	return job, repository.Wrap("find", err)
}

func (r *JobRepository) InsertPendingIfAbsent(ctx context.Context, ref entity.ChangeRef) (*entity.Job, bool, error) {
	var (
		job     *entity.Job
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := jobRow{
			Change:    ref.Change,
			SourceURL: ref.SourceURL,
			FetchRef:  ref.FetchRef,
			Status:    string(entity.StatusPending),
			Project:   ref.Project,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "change"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1

		var err error
		job, err = r.find(tx, ref.Change)
		return err
	})
	if err != nil {
		return nil, false, repository.Wrap("insert", err)
	}
	return job, created, nil
}

func (r *JobRepository) MarkDone(ctx context.Context, change, diff string) error {
	return r.transition(ctx, "mark done", change, entity.StatusPending, map[string]any{
		"status":    string(entity.StatusDone),
		"diff_text": diff,
		"error":     nil,
	}, repository.ErrNotPending)
}

func (r *JobRepository) MarkFailed(ctx context.Context, change, reason string) error {
	return r.transition(ctx, "mark failed", change, entity.StatusPending, map[string]any{
		"status":    string(entity.StatusFailed),
		"diff_text": nil,
		"error":     reason,
	}, repository.ErrNotPending)
}

func (r *JobRepository) MarkNoRelevantChanges(ctx context.Context, change string) error {
	return r.transition(ctx, "mark no relevant changes", change, entity.StatusPending, map[string]any{
		"status":    string(entity.StatusNoRelevantChanges),
		"diff_text": nil,
		"error":     nil,
	}, repository.ErrNotPending)
}

func (r *JobRepository) ResetFailed(ctx context.Context, change string) (*entity.Job, error) {
	err := r.transition(ctx, "reset", change, entity.StatusFailed, map[string]any{
		"status":    string(entity.StatusPending),
		"diff_text": nil,
		"error":     nil,
	}, repository.ErrNotFailed)
	if err != nil {
		return nil, err
	}
	return r.FindByChange(ctx, change)
}

func (r *JobRepository) transition(ctx context.Context, op, change string, from entity.JobStatus, set map[string]any, wrong error) error {
	set["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).Model(&jobRow{}).
		Where("change = ? AND status = ?", change, string(from)).
		Updates(set)
	if res.Error != nil {
		return repository.Wrap(op, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.FindByChange(ctx, change); err != nil {
			return err
		}
		return fmt.Errorf("%s %s: %w", op, change, wrong)
	}
	return nil
}

func (r *JobRepository) ListRecent(ctx context.Context, limit int, status entity.JobStatus) ([]entity.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []jobRow
	err := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, repository.Wrap("list", err)
	}
	jobs := make([]entity.Job, 0, len(rows))
	for _, row := range rows {
		job, err := row.toEntity()
		if err != nil {
			return nil, repository.Wrap("list", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (r *JobRepository) FailStalePending(ctx context.Context, olderThan time.Duration, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&jobRow{}).
		Where("status = ? AND updated_at < ?", string(entity.StatusPending), time.Now().Add(-olderThan)).
		Updates(map[string]any{
			"status":     string(entity.StatusFailed),
			"error":      reason,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, repository.Wrap("fail stale", res.Error)
	}
	return res.RowsAffected, nil
}
