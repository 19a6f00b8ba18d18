package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Agos-Inc/agos-marketplace/internal/config"
	"github.com/Agos-Inc/agos-marketplace/internal/httpapi"
	"github.com/Agos-Inc/agos-marketplace/internal/store"
	"github.com/Agos-Inc/agos-marketplace/internal/websocket"
)

// API is the settlement HTTP service: services, orders, supplier callbacks
// and the internal transition endpoints used by the worker.
type API struct {
	cfg     config.API
	logger  *slog.Logger
	store   store.Store
	wsHub   *websocket.Hub
	httpSrv *http.Server
}

func NewAPI(ctx context.Context, cfg config.API, logger *slog.Logger) (*API, error) {
	var st store.Store
	switch cfg.StoreBackend {
	case "memory":
		st = store.NewMemory()
	default:
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st = pg
	}

	wsHub := websocket.NewHub()

	srv := httpapi.NewServer(st, wsHub, httpapi.Config{
		TokenAddress:   cfg.TokenAddress,
		ChainID:        cfg.ChainID,
		RouterAddress:  cfg.RouterAddress,
		CallbackSecret: cfg.CallbackSecret,
		InternalSecret: cfg.InternalSecret,
	}, logger)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv,
	}

	return &API{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		wsHub:   wsHub,
		httpSrv: httpSrv,
	}, nil
}

func (a *API) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	go a.wsHub.Run(ctx)

	go func() {
		a.logger.Info("settlement api listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *API) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	a.store.Close()
}

// RunAPI loads config and runs the API until SIGINT or SIGTERM.
func RunAPI() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadAPI()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewAPI(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	defer app.Close(context.Background())

	return app.Run(ctx)
}
