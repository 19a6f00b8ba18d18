package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

// Memory is the in-process Store used by tests and local development. Every
// mutating operation holds the single mutex, which gives the same per-key
// atomicity the postgres store gets from row locks.
type Memory struct {
	mu       sync.Mutex
	services map[string]order.Service
	orders   map[string]order.Order
	events   map[string]string // dedup key -> order id
	nonces   map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]order.Service),
		orders:   make(map[string]order.Order),
		events:   make(map[string]string),
		nonces:   make(map[string]struct{}),
	}
}

func (m *Memory) Provider() string { return "in-memory" }

func (m *Memory) RegisterService(_ context.Context, svc order.Service) (order.Service, error) {
	normalized, err := normalizeService(svc)
	if err != nil {
		return order.Service{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[normalized.ServiceID] = normalized
	return normalized, nil
}

func (m *Memory) ListServices(_ context.Context) ([]order.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []order.Service
	for _, svc := range m.services {
		if svc.IsActive {
			result = append(result, svc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ServiceID < result[j].ServiceID })
	return result, nil
}

func (m *Memory) GetService(_ context.Context, serviceID string) (order.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[serviceID]
	if !ok {
		return order.Service{}, fmt.Errorf("%w: %s", order.ErrServiceNotFound, serviceID)
	}
	return svc, nil
}

func (m *Memory) CreateOrder(_ context.Context, req order.CreateOrderRequest, tokenAddress string, chainID int64) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[req.ServiceID]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrServiceNotFound, req.ServiceID)
	}

	o, err := newOrder(svc, req, tokenAddress, chainID, time.Now())
	if err != nil {
		return order.Order{}, err
	}

	m.orders[o.OrderID] = o
	return o, nil
}

func (m *Memory) ListOrders(_ context.Context, status *order.Status) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []order.Order
	for _, o := range m.orders {
		if status == nil || o.Status == *status {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *Memory) GetOrder(_ context.Context, orderID string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrderLocked(orderID)
}

func (m *Memory) getOrderLocked(orderID string) (order.Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrOrderNotFound, orderID)
	}
	return o, nil
}

func (m *Memory) GetOrderByHex(_ context.Context, orderIDHex string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if order.SameAddress(o.OrderIDHex, orderIDHex) {
			return o, nil
		}
	}
	return order.Order{}, fmt.Errorf("%w: hex %s", order.ErrOrderNotFound, orderIDHex)
}

func (m *Memory) TransitionOrder(_ context.Context, orderID string, to order.Status, md order.TransitionMetadata) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.getOrderLocked(orderID)
	if err != nil {
		return order.Order{}, err
	}

	next, err := current.WithTransition(to, md, time.Now())
	if err != nil {
		return order.Order{}, err
	}

	m.orders[orderID] = next
	return next, nil
}

func (m *Memory) RecordPaymentEvent(_ context.Context, orderID string, evt order.PaymentEvent) (order.PaymentResult, error) {
	if err := validatePaymentEvent(evt); err != nil {
		return order.PaymentResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.getOrderLocked(orderID)
	if err != nil {
		return order.PaymentResult{}, err
	}

	key := fmt.Sprintf("%s:%d", evt.TxHash, evt.LogIndex)
	if recordedFor, seen := m.events[key]; seen {
		if recordedFor != orderID {
			return order.PaymentResult{}, fmt.Errorf("%w: payment event %s already recorded for order %s", order.ErrValidation, key, recordedFor)
		}
		return order.PaymentResult{Order: current, DuplicateEvent: true}, nil
	}
	m.events[key] = orderID

	if current.Status != order.StatusCreated {
		return order.PaymentResult{Order: current}, nil
	}

	txHash := evt.TxHash
	next, err := current.WithTransition(order.StatusPaid, order.TransitionMetadata{TxHash: &txHash}, time.Now())
	if err != nil {
		return order.PaymentResult{}, err
	}

	m.orders[orderID] = next
	return order.PaymentResult{Order: next, TransitionedToPaid: true}, nil
}

func (m *Memory) ApplySupplierCallback(_ context.Context, orderID string, cb order.Callback) (order.Order, error) {
	if err := cb.Validate(); err != nil {
		return order.Order{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.getOrderLocked(orderID)
	if err != nil {
		return order.Order{}, err
	}

	if current.Status != order.StatusRunning {
		return order.Order{}, fmt.Errorf("%w: callback rejected: order in %s", order.ErrInvalidTransition, current.Status)
	}

	next, err := current.WithTransition(cb.Status, order.TransitionMetadata{ErrorMessage: cb.Error}, time.Now())
	if err != nil {
		return order.Order{}, err
	}
	next.ResultPayload = cb.Output

	m.orders[orderID] = next
	return next, nil
}

func (m *Memory) VerifyAndConsumeNonce(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, used := m.nonces[nonce]; used {
		return false, nil
	}
	m.nonces[nonce] = struct{}{}
	return true, nil
}

func (m *Memory) Close() {}
