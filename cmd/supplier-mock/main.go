package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Agos-Inc/agos-marketplace/internal/callback"
	"github.com/Agos-Inc/agos-marketplace/internal/config"
	"github.com/Agos-Inc/agos-marketplace/internal/dispatch"
	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

// supplier-mock accepts dispatched work and answers with a signed
// callback after a short delay. Sending {"fail": true} in the input
// makes it report a failure instead of a result.
type supplier struct {
	cfg    config.SupplierMock
	logger *slog.Logger
	client *http.Client
}

func (s *supplier) handleTask(w http.ResponseWriter, r *http.Request) {
	var req dispatch.WorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" || req.CallbackURL == "" {
		http.Error(w, "order_id and callback_url are required", http.StatusBadRequest)
		return
	}

	s.logger.Info("task accepted", "order_id", req.OrderID, "service_id", req.ServiceID)

	go s.complete(req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true, "order_id": req.OrderID})
}

func (s *supplier) complete(req dispatch.WorkRequest) {
	time.Sleep(s.cfg.CallbackDelay)

	cb := order.Callback{
		OrderID: req.OrderID,
		Status:  order.StatusCompleted,
		Output:  map[string]any{"echo": req.Input, "finished_at": time.Now().UTC().Format(time.RFC3339)},
	}
	if fail, ok := req.Input["fail"].(bool); ok && fail {
		msg := "supplier reported failure"
		cb = order.Callback{OrderID: req.OrderID, Status: order.StatusFailed, Error: &msg}
	}

	body, err := json.Marshal(cb)
	if err != nil {
		s.logger.Error("marshal callback", "order_id", req.OrderID, "err", err)
		return
	}

	signed := callback.BuildSigned(body, s.cfg.CallbackSecret)

	httpReq, err := http.NewRequest(http.MethodPost, req.CallbackURL, bytes.NewReader(signed.Body))
	if err != nil {
		s.logger.Error("build callback request", "order_id", req.OrderID, "err", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range signed.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.logger.Error("deliver callback", "order_id", req.OrderID, "err", err)
		return
	}
	defer resp.Body.Close()

	s.logger.Info("callback delivered", "order_id", req.OrderID, "status", cb.Status, "http_status", resp.StatusCode)
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadSupplierMock()
	if err != nil {
		return err
	}

	s := &supplier{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /task", s.handleTask)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("supplier mock listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("supplier mock failed: %v", err)
	}
}
