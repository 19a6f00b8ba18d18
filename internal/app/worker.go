package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Agos-Inc/agos-marketplace/internal/apiclient"
	"github.com/Agos-Inc/agos-marketplace/internal/chain"
	"github.com/Agos-Inc/agos-marketplace/internal/config"
	"github.com/Agos-Inc/agos-marketplace/internal/dispatch"
	"github.com/Agos-Inc/agos-marketplace/internal/messaging"
	"github.com/Agos-Inc/agos-marketplace/internal/reconcile"
)

// Worker runs the chain listener, the payment reconciler and the
// dispatch pipeline. It talks to the API service over HTTP and owns
// the dispatch queue tables directly.
type Worker struct {
	cfg       config.Worker
	logger    *slog.Logger
	api       *apiclient.Client
	pool      *pgxpool.Pool
	rpc       *ethclient.Client
	listener  *chain.Listener
	publisher messaging.Publisher
	consumer  *messaging.Consumer
	scheduler *dispatch.Scheduler
	workers   *dispatch.Pool
}

func NewWorker(ctx context.Context, cfg config.Worker, logger *slog.Logger) (*Worker, error) {
	api := apiclient.New(cfg.APIBaseURL, cfg.InternalSecret, nil)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect dispatch db: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.PaymentsExchange)
	if err != nil {
		rpc.Close()
		pool.Close()
		return nil, err
	}

	consumer, err := messaging.NewRabbitConsumer(cfg.RabbitURL, cfg.PaymentsExchange, cfg.PaymentsQueue, cfg.ConsumerPrefetch, logger)
	if err != nil {
		publisher.Close()
		rpc.Close()
		pool.Close()
		return nil, err
	}

	listener := chain.NewListener(rpc, common.HexToAddress(cfg.RouterAddress), cfg.TokenAddress, publisher, cfg.PollInterval, cfg.RPCTimeout, logger)

	queue := dispatch.NewPGQueue(pool)
	scheduler := dispatch.NewScheduler(api, queue, cfg.ScheduleInterval, cfg.DispatchMaxRetry, logger)
	dispatcher := dispatch.NewDispatcher(api, cfg.APIBaseURL, cfg.SupplierTimeout, logger)
	workers := dispatch.NewPool(queue, dispatcher, cfg.DispatchConcurrency, cfg.ClaimInterval, logger)

	return &Worker{
		cfg:       cfg,
		logger:    logger,
		api:       api,
		pool:      pool,
		rpc:       rpc,
		listener:  listener,
		publisher: publisher,
		consumer:  consumer,
		scheduler: scheduler,
		workers:   workers,
	}, nil
}

func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reconciler := reconcile.New(w.api, w.logger)

	errCh := make(chan error, 4)

	go func() {
		errCh <- w.listener.Run(ctx)
	}()

	go func() {
		errCh <- w.consumer.Start(ctx, reconciler.HandleDelivery)
	}()

	go func() {
		errCh <- w.scheduler.Run(ctx)
	}()

	go func() {
		errCh <- w.workers.Run(ctx)
	}()

	w.logger.Info("worker started",
		"router", w.cfg.RouterAddress,
		"token", w.cfg.TokenAddress,
		"concurrency", w.cfg.DispatchConcurrency)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (w *Worker) Close() {
	w.consumer.Close()
	w.publisher.Close()
	w.rpc.Close()
	w.pool.Close()
}

// RunWorker loads config and runs the worker until SIGINT or SIGTERM.
func RunWorker() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := NewWorker(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	defer w.Close()

	return w.Run(ctx)
}
