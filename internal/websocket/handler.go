package websocket

import (
	"log/slog"
	"net/http"
	"time"

	gw "github.com/gorilla/websocket"

	"github.com/Agos-Inc/agos-marketplace/internal/store"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub    *Hub
	store  store.Store
	logger *slog.Logger
}

func NewHandler(hub *Hub, st store.Store, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, store: st, logger: logger}
}

// ServeWS subscribes the caller to status updates for one order. The first
// frame is the order's current status so late subscribers see a full picture.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("order_id")

	o, err := h.store.GetOrder(r.Context(), orderID)
	if err != nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := h.hub.Subscribe(conn, OrderUpdate{
		OrderID:   o.OrderID,
		Status:    string(o.Status),
		UpdatedAt: o.UpdatedAt,
	})
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unsubscribe(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
