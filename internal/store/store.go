// Package store owns order and service records and the lifecycle state
// machine. Two implementations share the contract: an in-memory store for
// tests and a postgres store for production.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

type Store interface {
	Provider() string

	RegisterService(ctx context.Context, svc order.Service) (order.Service, error)
	ListServices(ctx context.Context) ([]order.Service, error)
	GetService(ctx context.Context, serviceID string) (order.Service, error)

	CreateOrder(ctx context.Context, req order.CreateOrderRequest, tokenAddress string, chainID int64) (order.Order, error)
	ListOrders(ctx context.Context, status *order.Status) ([]order.Order, error)
	GetOrder(ctx context.Context, orderID string) (order.Order, error)
	GetOrderByHex(ctx context.Context, orderIDHex string) (order.Order, error)

	TransitionOrder(ctx context.Context, orderID string, to order.Status, md order.TransitionMetadata) (order.Order, error)
	RecordPaymentEvent(ctx context.Context, orderID string, evt order.PaymentEvent) (order.PaymentResult, error)
	ApplySupplierCallback(ctx context.Context, orderID string, cb order.Callback) (order.Order, error)

	// VerifyAndConsumeNonce returns false when the nonce was already used.
	// The insert-or-reject must be atomic.
	VerifyAndConsumeNonce(ctx context.Context, nonce string) (bool, error)

	Close()
}

// normalizeService validates a registration payload and fills the derived
// fields (identifier hash, atomic price, defaults).
func normalizeService(svc order.Service) (order.Service, error) {
	if len(svc.ServiceID) < 3 {
		return order.Service{}, fmt.Errorf("%w: service_id must be at least 3 characters", order.ErrValidation)
	}
	if svc.Name == "" || svc.Description == "" {
		return order.Service{}, fmt.Errorf("%w: name and description are required", order.ErrValidation)
	}
	if svc.Endpoint == "" {
		return order.Service{}, fmt.Errorf("%w: endpoint is required", order.ErrValidation)
	}
	if !order.ValidWallet(svc.SupplierWallet) {
		return order.Service{}, fmt.Errorf("%w: invalid supplier_wallet", order.ErrValidation)
	}

	if svc.TokenDecimals == 0 {
		svc.TokenDecimals = order.DefaultTokenDecimals
	}
	if svc.TokenDecimals < 0 {
		return order.Service{}, fmt.Errorf("%w: token_decimals must be positive", order.ErrValidation)
	}
	if svc.Version == "" {
		svc.Version = "1.0.0"
	}
	if svc.InputSchema == nil {
		svc.InputSchema = map[string]any{}
	}
	if svc.OutputSchema == nil {
		svc.OutputSchema = map[string]any{}
	}

	if svc.ServiceIDHex == "" {
		hex, err := order.IDToHex(svc.ServiceID)
		if err != nil {
			return order.Service{}, err
		}
		svc.ServiceIDHex = hex
	} else if !order.ValidIDHex(svc.ServiceIDHex) {
		return order.Service{}, fmt.Errorf("%w: invalid service_id_hex", order.ErrValidation)
	}

	if svc.PriceAtomic == "" {
		atomic, err := order.PriceToAtomic(svc.PriceUSDT, svc.TokenDecimals)
		if err != nil {
			return order.Service{}, err
		}
		svc.PriceAtomic = atomic
	}

	return svc, nil
}

// newOrder builds a CREATED order from a purchase request. The supplier
// wallet and atomic amount are snapshots of the service at this moment.
func newOrder(svc order.Service, req order.CreateOrderRequest, tokenAddress string, chainID int64, now time.Time) (order.Order, error) {
	if !order.ValidWallet(req.BuyerWallet) {
		return order.Order{}, fmt.Errorf("%w: invalid buyer_wallet", order.ErrValidation)
	}
	if !svc.IsActive {
		return order.Order{}, fmt.Errorf("%w: service is not active: %s", order.ErrValidation, svc.ServiceID)
	}
	if req.InputPayload == nil {
		req.InputPayload = map[string]any{}
	}

	orderID := fmt.Sprintf("ord_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
	orderIDHex, err := order.IDToHex(orderID)
	if err != nil {
		return order.Order{}, err
	}

	now = now.UTC()
	return order.Order{
		OrderID:        orderID,
		OrderIDHex:     orderIDHex,
		ServiceID:      svc.ServiceID,
		ServiceIDHex:   svc.ServiceIDHex,
		BuyerWallet:    req.BuyerWallet,
		SupplierWallet: svc.SupplierWallet,
		AmountUSDT:     svc.PriceUSDT,
		AmountAtomic:   svc.PriceAtomic,
		TokenDecimals:  svc.TokenDecimals,
		TokenAddress:   tokenAddress,
		ChainID:        chainID,
		Status:         order.StatusCreated,
		InputPayload:   req.InputPayload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func validatePaymentEvent(evt order.PaymentEvent) error {
	if evt.TxHash == "" {
		return fmt.Errorf("%w: payment event tx_hash required", order.ErrValidation)
	}
	return nil
}
