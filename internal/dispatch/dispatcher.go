package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Agos-Inc/agos-marketplace/internal/apiclient"
	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

// ErrUpstream marks a failed or timed-out supplier call. It is recorded into
// the order and re-raised so the queue's retry accounting applies.
var ErrUpstream = errors.New("supplier dispatch failed")

// WorkRequest is the payload sent to the supplier's execution endpoint.
type WorkRequest struct {
	OrderID     string         `json:"order_id"`
	ServiceID   string         `json:"service_id"`
	Input       map[string]any `json:"input"`
	CallbackURL string         `json:"callback_url"`
}

// Dispatcher executes one dispatch job: move the order to RUNNING, hand the
// work to the supplier, and record the outcome.
type Dispatcher struct {
	api             *apiclient.Client
	callbackBaseURL string
	supplierTimeout time.Duration
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewDispatcher(api *apiclient.Client, callbackBaseURL string, supplierTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		api:             api,
		callbackBaseURL: callbackBaseURL,
		supplierTimeout: supplierTimeout,
		httpClient:      &http.Client{},
		logger:          logger,
	}
}

// Dispatch runs one attempt for the order. The supplier call is at-least-once
// across attempts; the status re-check makes replays after a successful accept
// no-ops.
func (d *Dispatcher) Dispatch(ctx context.Context, orderID string) error {
	o, err := d.api.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("fetch order: %w", err)
	}

	if o.Status != order.StatusPaid {
		d.logger.Info("skip dispatch for non-paid order", "order_id", o.OrderID, "status", o.Status)
		return nil
	}

	o, err = d.api.TransitionOrder(ctx, o.OrderID, order.StatusRunning, order.TransitionMetadata{})
	if err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}

	svc, err := d.api.GetService(ctx, o.ServiceID)
	if err != nil {
		return fmt.Errorf("fetch service: %w", err)
	}

	if err := d.callSupplier(ctx, o, svc); err != nil {
		msg := err.Error()
		if _, terr := d.api.TransitionOrder(ctx, o.OrderID, order.StatusFailed, order.TransitionMetadata{ErrorMessage: &msg}); terr != nil {
			d.logger.Error("record dispatch failure", "order_id", o.OrderID, "err", terr)
		}
		return fmt.Errorf("%w: %s", ErrUpstream, msg)
	}

	d.logger.Info("supplier dispatch accepted", "order_id", o.OrderID)
	return nil
}

func (d *Dispatcher) callSupplier(ctx context.Context, o order.Order, svc order.Service) error {
	payload, err := json.Marshal(WorkRequest{
		OrderID:     o.OrderID,
		ServiceID:   o.ServiceID,
		Input:       o.InputPayload,
		CallbackURL: d.callbackBaseURL + "/v1/orders/" + url.PathEscape(o.OrderID) + "/callback",
	})
	if err != nil {
		return fmt.Errorf("marshal work request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.supplierTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, svc.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build supplier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call supplier endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("supplier endpoint returned %d", resp.StatusCode)
	}
	return nil
}
