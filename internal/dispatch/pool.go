package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner executes one claimed job attempt.
type Runner interface {
	Dispatch(ctx context.Context, orderID string) error
}

// Pool claims ready jobs and executes them with bounded concurrency.
type Pool struct {
	queue       Queue
	runner      Runner
	concurrency int
	interval    time.Duration
	logger      *slog.Logger
}

func NewPool(queue Queue, runner Runner, concurrency int, interval time.Duration, logger *slog.Logger) *Pool {
	return &Pool{
		queue:       queue,
		runner:      runner,
		concurrency: concurrency,
		interval:    interval,
		logger:      logger,
	}
}

func (p *Pool) Run(ctx context.Context) error {
	jobs := make(chan Job)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				p.execute(ctx, job)
			}
		}()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil
		case <-ticker.C:
			claimed, err := p.queue.Claim(ctx, p.concurrency)
			if err != nil {
				p.logger.Error("claim dispatch jobs failed", "err", err)
				continue
			}
			for _, job := range claimed {
				select {
				case jobs <- job:
				case <-ctx.Done():
					close(jobs)
					wg.Wait()
					return nil
				}
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, job Job) {
	if err := p.runner.Dispatch(ctx, job.OrderID); err != nil {
		p.logger.Error("dispatch job failed",
			"job_id", job.JobID, "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts, "err", err)
		if ferr := p.queue.Fail(ctx, job.JobID, err); ferr != nil {
			p.logger.Error("record job failure", "job_id", job.JobID, "err", ferr)
		}
		return
	}

	if err := p.queue.Complete(ctx, job.JobID); err != nil {
		p.logger.Error("complete dispatch job", "job_id", job.JobID, "err", err)
	}
}
