package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/Agos-Inc/agos-marketplace/internal/apiclient"
	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

// Scheduler polls for PAID orders and enqueues one dispatch job each. The
// seen set only saves redundant queue round-trips within this process; the
// queue's job-id keying is what actually prevents duplicates.
type Scheduler struct {
	api         *apiclient.Client
	queue       Queue
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger

	seen map[string]struct{}
}

func NewScheduler(api *apiclient.Client, queue Queue, interval time.Duration, maxRetries int, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		api:         api,
		queue:       queue,
		interval:    interval,
		maxAttempts: maxRetries + 1,
		logger:      logger,
		seen:        make(map[string]struct{}),
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.enqueuePaidOrders(ctx); err != nil {
				s.logger.Error("enqueue paid orders failed", "err", err)
			}
		}
	}
}

func (s *Scheduler) enqueuePaidOrders(ctx context.Context) error {
	paid, err := s.api.ListOrders(ctx, order.StatusPaid)
	if err != nil {
		return err
	}

	for _, o := range paid {
		if _, ok := s.seen[o.OrderID]; ok {
			continue
		}

		created, err := s.queue.Enqueue(ctx, o.OrderID, s.maxAttempts)
		if err != nil {
			return err
		}
		s.seen[o.OrderID] = struct{}{}

		if created {
			s.logger.Info("enqueued paid order for dispatch", "order_id", o.OrderID)
		}
	}
	return nil
}
