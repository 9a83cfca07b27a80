// Package repotest checks a job store backend against the behaviour every
// backend must share.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libdiff/internal/entity"
	"libdiff/internal/repository"
)

type Store interface {
	FindByChange(ctx context.Context, change string) (*entity.Job, error)
	InsertPendingIfAbsent(ctx context.Context, ref entity.ChangeRef) (*entity.Job, bool, error)
	MarkDone(ctx context.Context, change, diff string) error
	MarkFailed(ctx context.Context, change, reason string) error
	MarkNoRelevantChanges(ctx context.Context, change string) error
	ResetFailed(ctx context.Context, change string) (*entity.Job, error)
	ListRecent(ctx context.Context, limit int, status entity.JobStatus) ([]entity.Job, error)
	FailStalePending(ctx context.Context, olderThan time.Duration, reason string) (int64, error)
}

func ref(change string) entity.ChangeRef {
	return entity.ChangeRef{
		Change:    change,
		SourceURL: "https://gerrit.example.org/r/mediawiki/core",
		FetchRef:  "refs/changes/" + change + "/1",
		Project:   "mediawiki/core",
	}
}

// Run executes the contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("FindUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByChange(ctx, "1")
		require.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("InsertThenGet", func(t *testing.T) {
		s := newStore(t)
		job, created, err := s.InsertPendingIfAbsent(ctx, ref("42"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotZero(t, job.ID)
		assert.Equal(t, entity.StatusPending, job.Status)
		assert.Equal(t, "mediawiki/core", job.Project)
		assert.Nil(t, job.Diff)

		again, created, err := s.InsertPendingIfAbsent(ctx, entity.ChangeRef{Change: "42", SourceURL: "x", FetchRef: "y", Project: "z"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, job.ID, again.ID)
		assert.Equal(t, "refs/changes/42/1", again.FetchRef, "existing row is returned unchanged")
	})

	t.Run("ConcurrentInsertYieldsOneRow", func(t *testing.T) {
		s := newStore(t)
		const n = 16
		ids := make([]int64, n)
		var createdCount int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job, created, err := s.InsertPendingIfAbsent(ctx, ref("7"))
				if !assert.NoError(t, err) {
					return
				}
				ids[i] = job.ID
				if created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, createdCount)
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("MarkDoneRoundTrip", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.InsertPendingIfAbsent(ctx, ref("42"))
		require.NoError(t, err)

		diff := "diff -ru a/composer.lock b/composer.lock\n--- a/composer.lock\n+++ b/composer.lock\n@@ -1 +1 @@\n-\"1.0\"\n+\"2.0\"\n\t trailing \n"
		require.NoError(t, s.MarkDone(ctx, "42", diff))

		job, err := s.FindByChange(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, entity.StatusDone, job.Status)
		require.NotNil(t, job.Diff)
		assert.Equal(t, diff, *job.Diff)
		assert.Nil(t, job.Error)
	})

	t.Run("EmptyDiffIsStoredAsEmpty", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.InsertPendingIfAbsent(ctx, ref("43"))
		require.NoError(t, err)
		require.NoError(t, s.MarkDone(ctx, "43", ""))

		job, err := s.FindByChange(ctx, "43")
		require.NoError(t, err)
		require.NotNil(t, job.Diff)
		assert.Equal(t, "", *job.Diff)
	})

	t.Run("TerminalTransitionsOnlyFromPending", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.InsertPendingIfAbsent(ctx, ref("5"))
		require.NoError(t, err)
		require.NoError(t, s.MarkFailed(ctx, "5", "installer: npm ci: exit status 1"))

		require.ErrorIs(t, s.MarkDone(ctx, "5", "x"), repository.ErrNotPending)
		require.ErrorIs(t, s.MarkNoRelevantChanges(ctx, "5"), repository.ErrNotPending)
		require.ErrorIs(t, s.MarkFailed(ctx, "missing", "x"), repository.ErrNotFound)

		job, err := s.FindByChange(ctx, "5")
		require.NoError(t, err)
		assert.Equal(t, entity.StatusFailed, job.Status)
		require.NotNil(t, job.Error)
		assert.Equal(t, "installer: npm ci: exit status 1", *job.Error)
		assert.Nil(t, job.Diff)
	})

	t.Run("NoRelevantChanges", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.InsertPendingIfAbsent(ctx, ref("6"))
		require.NoError(t, err)
		require.NoError(t, s.MarkNoRelevantChanges(ctx, "6"))

		job, err := s.FindByChange(ctx, "6")
		require.NoError(t, err)
		assert.Equal(t, entity.StatusNoRelevantChanges, job.Status)
		assert.Nil(t, job.Diff)
		assert.Nil(t, job.Error)
	})

	t.Run("ResetFailed", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.InsertPendingIfAbsent(ctx, ref("8"))
		require.NoError(t, err)

		_, err = s.ResetFailed(ctx, "8")
		require.ErrorIs(t, err, repository.ErrNotFailed)
		_, err = s.ResetFailed(ctx, "missing")
		require.ErrorIs(t, err, repository.ErrNotFound)

		require.NoError(t, s.MarkFailed(ctx, "8", "boom"))
		job, err := s.ResetFailed(ctx, "8")
		require.NoError(t, err)
		assert.Equal(t, entity.StatusPending, job.Status)
		assert.Nil(t, job.Error)
	})

	t.Run("ListRecent", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 6; i++ {
			c := fmt.Sprint(100 + i)
			_, _, err := s.InsertPendingIfAbsent(ctx, ref(c))
			require.NoError(t, err)
			switch {
			case i == 3:
				require.NoError(t, s.MarkFailed(ctx, c, "boom"))
			case i == 5:
				// stays pending
			default:
				require.NoError(t, s.MarkDone(ctx, c, "diff "+c))
			}
		}

		jobs, err := s.ListRecent(ctx, 3, entity.StatusDone)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "106", jobs[0].Change)
		assert.Equal(t, "104", jobs[1].Change)
		assert.Equal(t, "102", jobs[2].Change)
		for i, j := range jobs {
			assert.Equal(t, entity.StatusDone, j.Status)
			if i > 0 {
				assert.Greater(t, jobs[i-1].ID, j.ID)
			}
		}

		all, err := s.ListRecent(ctx, 50, entity.StatusDone)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		none, err := s.ListRecent(ctx, 0, entity.StatusDone)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("FailStalePending", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.InsertPendingIfAbsent(ctx, ref("9"))
		require.NoError(t, err)
		_, _, err = s.InsertPendingIfAbsent(ctx, ref("10"))
		require.NoError(t, err)
		require.NoError(t, s.MarkDone(ctx, "10", "d"))

		n, err := s.FailStalePending(ctx, time.Hour, "stale")
		require.NoError(t, err)
		assert.Zero(t, n, "fresh jobs are left alone")

		n, err = s.FailStalePending(ctx, -time.Second, "timed out waiting for a worker")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		job, err := s.FindByChange(ctx, "9")
		require.NoError(t, err)
		assert.Equal(t, entity.StatusFailed, job.Status)
		require.NotNil(t, job.Error)
		assert.Equal(t, "timed out waiting for a worker", *job.Error)

		done, err := s.FindByChange(ctx, "10")
		require.NoError(t, err)
		assert.Equal(t, entity.StatusDone, done.Status)
	})

	t.Run("ErrorsAreWrapped", func(t *testing.T) {
		var pe *repository.PersistenceError
		assert.False(t, errors.As(repository.Wrap("x", repository.ErrNotFound), &pe))
		assert.True(t, errors.As(repository.Wrap("x", errors.New("conn refused")), &pe))
	})
}
