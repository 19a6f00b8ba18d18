// Package websocket streams order status changes to subscribed clients, one
// subscription per order id.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type OrderUpdate struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
}

const sendBuffer = 256

// Hub is a per-order subscription registry. Frames queue into each client's
// buffered send channel; a client that cannot keep up is dropped rather than
// waited on.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Client]struct{}
	done bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Client]struct{})}
}

// Subscribe registers a connection for one order's updates. The snapshot is
// queued as the client's first frame, so late subscribers see the current
// status before any change lands.
func (h *Hub) Subscribe(conn *Conn, snapshot OrderUpdate) *Client {
	c := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		orderID: snapshot.OrderID,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done {
		close(c.send)
		return c
	}

	set, ok := h.subs[c.orderID]
	if !ok {
		set = make(map[*Client]struct{})
		h.subs[c.orderID] = set
	}
	set[c] = struct{}{}

	if msg, err := json.Marshal(snapshot); err == nil {
		// fresh buffered channel, cannot block
		c.send <- msg
	}
	return c
}

func (h *Hub) unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *Client) {
	set, ok := h.subs[c.orderID]
	if !ok {
		return
	}
	if _, exists := set[c]; !exists {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.subs, c.orderID)
	}
	close(c.send)
}

// BroadcastOrderUpdate fans a status change out to the order's subscribers.
func (h *Hub) BroadcastOrderUpdate(orderID, status string, updatedAt time.Time) {
	msg, err := json.Marshal(OrderUpdate{OrderID: orderID, Status: status, UpdatedAt: updatedAt})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.subs[orderID] {
		select {
		case c.send <- msg:
		default:
			h.dropLocked(c)
		}
	}
}

// Run blocks until the context is cancelled, then disconnects every
// subscriber and refuses new ones.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.done = true
	for _, set := range h.subs {
		for c := range set {
			close(c.send)
		}
	}
	h.subs = make(map[string]map[*Client]struct{})
}
