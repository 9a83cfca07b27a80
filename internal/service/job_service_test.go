package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"libdiff/internal/entity"
	"libdiff/internal/gerrit"
	"libdiff/internal/repository"
	"libdiff/internal/service"
)

// fakeRepo keeps jobs in a map; the mutex makes InsertPendingIfAbsent atomic
// the way the real stores are.
type fakeRepo struct {
	mu     sync.Mutex
	jobs   map[string]*entity.Job
	nextID int64

	inserts int
	findErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[string]*entity.Job)}
}

func (r *fakeRepo) FindByChange(ctx context.Context, change string) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	job, ok := r.jobs[change]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *fakeRepo) InsertPendingIfAbsent(ctx context.Context, ref entity.ChangeRef) (*entity.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if job, ok := r.jobs[ref.Change]; ok {
		cp := *job
		return &cp, false, nil
	}
	r.nextID++
	job := &entity.Job{
		ID:        r.nextID,
		Change:    ref.Change,
		SourceURL: ref.SourceURL,
		FetchRef:  ref.FetchRef,
		Project:   ref.Project,
		Status:    entity.StatusPending,
	}
	r.jobs[ref.Change] = job
	cp := *job
	return &cp, true, nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, change, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[change]
	if !ok {
		return repository.ErrNotFound
	}
	if job.Status != entity.StatusPending {
		return repository.ErrNotPending
	}
	job.Status = entity.StatusFailed
	job.Error = &reason
	return nil
}

func (r *fakeRepo) ResetFailed(ctx context.Context, change string) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[change]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if job.Status != entity.StatusFailed {
		return nil, repository.ErrNotFailed
	}
	job.Status = entity.StatusPending
	job.Error = nil
	cp := *job
	return &cp, nil
}

func (r *fakeRepo) ListRecent(ctx context.Context, limit int, status entity.JobStatus) ([]entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Job
	for id := r.nextID; id > 0 && len(out) < limit; id-- {
		for _, j := range r.jobs {
			if j.ID == id && j.Status == status {
				out = append(out, *j)
			}
		}
	}
	return out, nil
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, change string) (entity.ChangeRef, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return entity.ChangeRef{}, f.err
	}
	return entity.ChangeRef{
		Change:    change,
		SourceURL: "https://gerrit.wikimedia.org/r/mediawiki/core",
		FetchRef:  "refs/changes/" + change + "/1",
		Project:   "mediawiki/core",
	}, nil
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []string
	enqueueErr error
}

func (q *fakeQueue) Enqueue(ctx context.Context, change string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, change)
	return nil
}

func TestJobService_Submit_CreatesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	repo, queue := newFakeRepo(), &fakeQueue{}
	svc := service.NewJobService(repo, &fakeResolver{}, queue, 5, nil)

	job, err := svc.Submit(ctx, "42")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if job.Status != entity.StatusPending || job.Project != "mediawiki/core" {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != "42" {
		t.Fatalf("expected change 42 enqueued once, got %#v", queue.enqueued)
	}
}

func TestJobService_Submit_InvalidChangeMakesNoCalls(t *testing.T) {
	ctx := context.Background()
	repo, resolver := newFakeRepo(), &fakeResolver{}
	svc := service.NewJobService(repo, resolver, &fakeQueue{}, 5, nil)

	for _, c := range []string{"", "12a", "-1", " 42", "I0123abc"} {
		_, err := svc.Submit(ctx, c)
		if !errors.Is(err, service.ErrInvalidChange) {
			t.Fatalf("change %q: expected ErrInvalidChange, got %v", c, err)
		}
	}
	if resolver.calls != 0 || repo.inserts != 0 {
		t.Fatalf("expected no external calls, got resolve=%d insert=%d", resolver.calls, repo.inserts)
	}
}

func TestJobService_Submit_ExistingJobSkipsResolve(t *testing.T) {
	ctx := context.Background()
	repo, resolver, queue := newFakeRepo(), &fakeResolver{}, &fakeQueue{}
	svc := service.NewJobService(repo, resolver, queue, 5, nil)

	first, err := svc.Submit(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Submit(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same id, got %d and %d", first.ID, second.ID)
	}
	if resolver.calls != 1 || len(queue.enqueued) != 1 {
		t.Fatalf("expected one resolve and one enqueue, got %d and %d", resolver.calls, len(queue.enqueued))
	}
}

func TestJobService_Submit_ConcurrentYieldsOneJob(t *testing.T) {
	ctx := context.Background()
	repo, queue := newFakeRepo(), &fakeQueue{}
	svc := service.NewJobService(repo, &fakeResolver{}, queue, 5, nil)

	const n = 32
	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := svc.Submit(ctx, "7")
			errs[i] = err
			if job != nil {
				ids[i] = job.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("submit %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("submit %d returned id %d, want %d", i, ids[i], ids[0])
		}
	}
	if len(repo.jobs) != 1 {
		t.Fatalf("expected one row, got %d", len(repo.jobs))
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("expected one enqueue, got %d", len(queue.enqueued))
	}
}

func TestJobService_Submit_FetchErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	fe := &gerrit.FetchError{Change: "404", Kind: gerrit.KindNotFound, Err: errors.New("404 Not Found")}
	svc := service.NewJobService(repo, &fakeResolver{err: fe}, &fakeQueue{}, 5, nil)

	_, err := svc.Submit(ctx, "404")
	var got *gerrit.FetchError
	if !errors.As(err, &got) || got.Kind != gerrit.KindNotFound {
		t.Fatalf("expected FetchError not_found, got %v", err)
	}
	if len(repo.jobs) != 0 {
		t.Fatalf("expected no job row, got %d", len(repo.jobs))
	}
}

func TestJobService_Submit_QueueFullFailsJob(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := service.NewJobService(repo, &fakeResolver{}, &fakeQueue{enqueueErr: service.ErrQueueFull}, 5, nil)

	_, err := svc.Submit(ctx, "42")
	if !errors.Is(err, service.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	job, _ := repo.FindByChange(ctx, "42")
	if job == nil || job.Status != entity.StatusFailed {
		t.Fatalf("expected failed job, got %+v", job)
	}
	if job.Error == nil || *job.Error != "not scheduled: build queue is full" {
		t.Fatalf("unexpected reason %v", job.Error)
	}
}

func TestJobService_Retry(t *testing.T) {
	ctx := context.Background()
	repo, queue := newFakeRepo(), &fakeQueue{}
	svc := service.NewJobService(repo, &fakeResolver{}, queue, 5, nil)

	if _, err := svc.Submit(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Retry(ctx, "42"); !errors.Is(err, service.ErrNotRetryable) {
		t.Fatalf("pending job: expected ErrNotRetryable, got %v", err)
	}
	if _, err := svc.Retry(ctx, "43"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown job: expected ErrNotFound, got %v", err)
	}

	if err := repo.MarkFailed(ctx, "42", "installer: boom"); err != nil {
		t.Fatal(err)
	}
	job, err := svc.Retry(ctx, "42")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if job.Status != entity.StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if len(queue.enqueued) != 2 {
		t.Fatalf("expected second enqueue, got %#v", queue.enqueued)
	}
}

func TestJobService_ListRecentDone_Limits(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := service.NewJobService(repo, &fakeResolver{}, &fakeQueue{}, 2, nil)

	for _, c := range []string{"1", "2", "3", "4"} {
		if _, err := svc.Submit(ctx, c); err != nil {
			t.Fatal(err)
		}
		repo.jobs[c].Status = entity.StatusDone
	}

	jobs, err := svc.ListRecentDone(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].Change != "4" || jobs[1].Change != "3" {
		t.Fatalf("expected default limit newest first, got %+v", jobs)
	}

	jobs, _ = svc.ListRecentDone(ctx, 10)
	if len(jobs) != 4 {
		t.Fatalf("expected 4, got %d", len(jobs))
	}
}
