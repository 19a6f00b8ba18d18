// Package httpapi exposes the settlement API: the public service/order
// surface, the authenticated supplier callback, and the secret-guarded
// internal mutations used by the worker.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Agos-Inc/agos-marketplace/internal/apiclient"
	"github.com/Agos-Inc/agos-marketplace/internal/callback"
	"github.com/Agos-Inc/agos-marketplace/internal/order"
	"github.com/Agos-Inc/agos-marketplace/internal/store"
	"github.com/Agos-Inc/agos-marketplace/internal/websocket"
)

// Config carries the environment facts handlers need to mint and settle
// orders.
type Config struct {
	TokenAddress   string
	ChainID        int64
	RouterAddress  string
	CallbackSecret string
	InternalSecret string
}

type Server struct {
	store  store.Store
	hub    *websocket.Hub
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(st store.Store, hub *websocket.Hub, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		store:  st,
		hub:    hub,
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/health", s.health)

	s.mux.HandleFunc("POST /v1/services", s.registerService)
	s.mux.HandleFunc("GET /v1/services", s.listServices)
	s.mux.HandleFunc("GET /v1/services/{service_id}", s.getService)

	s.mux.HandleFunc("POST /v1/orders", s.createOrder)
	s.mux.HandleFunc("GET /v1/orders", s.listOrders)
	s.mux.HandleFunc("GET /v1/orders/{order_id}", s.getOrder)
	s.mux.HandleFunc("GET /v1/orders/by-hex/{order_id_hex}", s.getOrderByHex)
	s.mux.HandleFunc("POST /v1/orders/{order_id}/callback", s.supplierCallback)

	s.mux.HandleFunc("POST /v1/internal/orders/{order_id}/transition", s.internalTransition)
	s.mux.HandleFunc("POST /v1/internal/orders/{order_id}/payment-event", s.internalPaymentEvent)

	s.openclawRoutes()

	if s.hub != nil {
		wsHandler := websocket.NewHandler(s.hub, s.store, s.logger)
		s.mux.HandleFunc("GET /v1/orders/{order_id}/ws", wsHandler.ServeWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"db":        s.store.Provider(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) registerService(w http.ResponseWriter, r *http.Request) {
	var svc order.Service
	svc.IsActive = true
	if err := json.NewDecoder(r.Body).Decode(&svc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	registered, err := s.store.RegisterService(r.Context(), svc)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.ListServices(r.Context())
	if err != nil {
		s.logger.Error("list services", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if services == nil {
		services = []order.Service{}
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.store.GetService(r.Context(), r.PathValue("service_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.store.CreateOrder(r.Context(), req, s.cfg.TokenAddress, s.cfg.ChainID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	var status *order.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := order.ParseStatus(raw)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		status = &parsed
	}

	orders, err := s.store.ListOrders(r.Context(), status)
	if err != nil {
		s.logger.Error("list orders", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), r.PathValue("order_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) getOrderByHex(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrderByHex(r.Context(), r.PathValue("order_id_hex"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// supplierCallback authenticates a completion callback. Verification order is
// fixed: nonce first (409 on replay), then signature (401), and only then is
// the body parsed and applied.
func (s *Server) supplierCallback(w http.ResponseWriter, r *http.Request) {
	timestamp := r.Header.Get(callback.HeaderTimestamp)
	nonce := r.Header.Get(callback.HeaderNonce)
	signature := r.Header.Get(callback.HeaderSignature)
	if timestamp == "" || nonce == "" || signature == "" {
		writeError(w, http.StatusBadRequest, "missing callback auth headers")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read callback body")
		return
	}

	fresh, err := s.store.VerifyAndConsumeNonce(r.Context(), nonce)
	if err != nil {
		s.logger.Error("consume callback nonce", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !fresh {
		writeError(w, http.StatusConflict, "callback nonce replay detected")
		return
	}

	if !callback.VerifySignature(s.cfg.CallbackSecret, timestamp, nonce, signature, body) {
		writeError(w, http.StatusUnauthorized, "invalid callback signature")
		return
	}

	var cb order.Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback body")
		return
	}

	o, err := s.store.ApplySupplierCallback(r.Context(), r.PathValue("order_id"), cb)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.broadcast(o)
	writeJSON(w, http.StatusOK, o)
}

type transitionRequest struct {
	To           string  `json:"to"`
	TxHash       *string `json:"tx_hash"`
	ErrorMessage *string `json:"error_message"`
}

func (s *Server) internalTransition(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeInternal(w, r) {
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	to, err := order.ParseStatus(req.To)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	o, err := s.store.TransitionOrder(r.Context(), r.PathValue("order_id"), to, order.TransitionMetadata{
		TxHash:       req.TxHash,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.broadcast(o)
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) internalPaymentEvent(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeInternal(w, r) {
		return
	}

	var evt order.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.store.RecordPaymentEvent(r.Context(), r.PathValue("order_id"), evt)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if result.TransitionedToPaid {
		s.broadcast(result.Order)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) authorizeInternal(w http.ResponseWriter, r *http.Request) bool {
	if !callback.SafeEqual(s.cfg.InternalSecret, r.Header.Get(apiclient.HeaderInternalSecret)) {
		writeError(w, http.StatusUnauthorized, "unauthorized internal request")
		return false
	}
	return true
}

func (s *Server) broadcast(o order.Order) {
	if s.hub != nil {
		s.hub.BroadcastOrderUpdate(o.OrderID, string(o.Status), o.UpdatedAt)
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, order.ErrServiceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("store operation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
