package syncjob

import (
	"context"
	"sync"

	"github.com/dbforge/pgbridge/internal/errs"
	"github.com/dbforge/pgbridge/internal/logger"
)

// Pool runs jobs on a fixed set of workers. One job is one unit of work;
// its batches execute sequentially inside a single worker, so checkpoint
// ordering needs no coordination. Different jobs run concurrently across
// workers.
type Pool struct {
	orch    *Orchestrator
	log     *logger.Logger
	queue   chan work
	workers int
	wg      sync.WaitGroup
}

type work struct {
	jobID  string
	userID string
}

// NewPool sizes the pool. workers and depth fall back to 4 and 16.
func NewPool(orch *Orchestrator, log *logger.Logger, workers, depth int) *Pool {
	if log == nil {
		log = logger.Nop()
	}
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 16
	}
	return &Pool{
		orch:    orch,
		log:     log,
		queue:   make(chan work, depth),
		workers: workers,
	}
}

// Start launches the workers. They exit when ctx is cancelled; in-flight
// jobs observe the same ctx and finish through the orchestrator's normal
// failure path.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-p.queue:
			p.log.Info().Int("worker", id).Str("job_id", w.jobID).Msg("worker picked up job")
			if err := p.orch.Run(ctx, w.jobID, w.userID); err != nil {
				p.log.Error().Err(err).Str("job_id", w.jobID).Msg("job run ended with error")
			}
		}
	}
}

// Enqueue hands a job to the pool without blocking. A full queue rejects
// the submission rather than queueing indefinitely.
func (p *Pool) Enqueue(jobID, userID string) error {
	select {
	case p.queue <- work{jobID: jobID, userID: userID}:
		return nil
	default:
		return errs.New(errs.ErrKindLimitExceeded, "job queue is full, try again later")
	}
}

// Wait blocks until all workers have exited after their context was
// cancelled.
func (p *Pool) Wait() {
	p.wg.Wait()
}
