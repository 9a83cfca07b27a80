package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"libdiff/internal/entity"
)

var (
	ErrAlreadyRunning = errors.New("build already running in this process")
	// ErrBuildCanceled is the cancel cause of a build stopped on request.
	ErrBuildCanceled = errors.New("build cancelled by request")
	ErrShutdown      = errors.New("worker shutting down")
)

// Handle identifies one running build.
type Handle struct {
	ID       uuid.UUID `json:"id"`
	Change   string    `json:"change"`
	JobID    int64     `json:"job_id"`
	Started  time.Time `json:"started"`
	Deadline time.Time `json:"deadline,omitempty"`

	cancel context.CancelCauseFunc
}

// Tracker knows every build running in this process.
type Tracker struct {
	mu      sync.Mutex
	running map[string]*Handle
}

func NewTracker() *Tracker {
	return &Tracker{running: make(map[string]*Handle)}
}

// Start registers a build for job and returns its context, bounded by timeout
// when positive. done must be called when the build ends.
func (t *Tracker) Start(ctx context.Context, job *entity.Job, timeout time.Duration) (context.Context, *Handle, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[job.Change]; ok {
		return nil, nil, nil, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancelCause(ctx)
	stop := func() {}
	h := &Handle{
		ID:      uuid.New(),
		Change:  job.Change,
		JobID:   job.ID,
		Started: time.Now(),
		cancel:  cancel,
	}
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		stop = cancelTimeout
		h.Deadline = h.Started.Add(timeout)
	}
	t.running[job.Change] = h

	done := func() {
		t.mu.Lock()
		if t.running[job.Change] == h {
			delete(t.running, job.Change)
		}
		t.mu.Unlock()
		stop()
		cancel(nil)
	}
	return ctx, h, done, nil
}

// Cancel stops the build for change, reporting whether one was running.
func (t *Tracker) Cancel(change string) bool {
	t.mu.Lock()
	h, ok := t.running[change]
	t.mu.Unlock()
	if ok {
		h.cancel(ErrBuildCanceled)
	}
	return ok
}

// CancelAll stops every running build with cause.
func (t *Tracker) CancelAll(cause error) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.running {
		h.cancel(cause)
	}
	return len(t.running)
}

// Running returns a snapshot ordered by start time.
func (t *Tracker) Running() []Handle {
	t.mu.Lock()
	out := make([]Handle, 0, len(t.running))
	for _, h := range t.running {
		out = append(out, *h)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
