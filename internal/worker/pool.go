package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"libdiff/internal/service"
)

type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimDelay time.Duration
	log        *zap.Logger
}

func NewPool(queue service.Queue, processor *Processor, workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: 5 * time.Second,
		log:        log,
	}
}

// Run claims jobs until ctx is done, then waits for the builds in flight.
// Builds do not inherit ctx's cancellation; stop them through the Tracker.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool started", zap.Int("workers", p.workers))

	buildCtx := context.WithoutCancel(ctx)
	jobCh := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			log := p.log.With(zap.Int("worker", n))
			for change := range jobCh {
				if err := p.processor.Process(buildCtx, change); err != nil {
					log.Error("process job", zap.String("change", change), zap.Error(err))
				}

				// Ack either way: the job is terminal in the store or was
				// skipped. Only a crash before this point leaves it in
				// processing, and RequeueStale picks that up at startup.
				if err := p.queue.Ack(buildCtx, change); err != nil {
					log.Error("ack job", zap.String("change", change), zap.Error(err))
				}
			}
		}(i + 1)
	}

	defer func() {
		close(jobCh)
		wg.Wait()
		p.log.Info("worker pool stopped")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		change, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
		if err != nil {
			if !errors.Is(err, service.ErrNoJob) && ctx.Err() == nil {
				p.log.Warn("claim failed", zap.Error(err))
				// keep a broken queue connection from spinning
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
			}
			continue
		}
		select {
		case jobCh <- change:
		case <-ctx.Done():
			// claimed but not started; leave it in processing for the next start
			return
		}
	}
}
