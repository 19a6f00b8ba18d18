package order

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrServiceNotFound   = errors.New("service not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation failed")
	ErrNonceReplayed     = errors.New("callback nonce replay detected")
)

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPaid      Status = "PAID"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Statuses lists every order state in lifecycle order.
var Statuses = []Status{StatusCreated, StatusPaid, StatusRunning, StatusCompleted, StatusFailed}

var allowedTransitions = map[Status][]Status{
	StatusCreated:   {StatusPaid},
	StatusPaid:      {StatusRunning},
	StatusRunning:   {StatusCompleted, StatusFailed},
	StatusCompleted: {},
	StatusFailed:    {},
}

func ParseStatus(raw string) (Status, error) {
	for _, s := range Statuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown order status %q", ErrValidation, raw)
}

func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

type Service struct {
	ServiceID      string         `json:"service_id"`
	ServiceIDHex   string         `json:"service_id_hex"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	InputSchema    map[string]any `json:"input_schema"`
	OutputSchema   map[string]any `json:"output_schema"`
	PriceUSDT      string         `json:"price_usdt"`
	PriceAtomic    string         `json:"price_atomic"`
	TokenDecimals  int            `json:"token_decimals"`
	Endpoint       string         `json:"endpoint"`
	SupplierWallet string         `json:"supplier_wallet"`
	Version        string         `json:"version"`
	IsActive       bool           `json:"is_active"`
}

type Order struct {
	OrderID        string         `json:"order_id"`
	OrderIDHex     string         `json:"order_id_hex"`
	ServiceID      string         `json:"service_id"`
	ServiceIDHex   string         `json:"service_id_hex"`
	BuyerWallet    string         `json:"buyer_wallet"`
	SupplierWallet string         `json:"supplier_wallet"`
	AmountUSDT     string         `json:"amount_usdt"`
	AmountAtomic   string         `json:"amount_atomic"`
	TokenDecimals  int            `json:"token_decimals"`
	TokenAddress   string         `json:"token_address"`
	ChainID        int64          `json:"chain_id"`
	Status         Status         `json:"status"`
	InputPayload   map[string]any `json:"input_payload"`
	ResultPayload  map[string]any `json:"result_payload"`
	ErrorMessage   *string        `json:"error_message"`
	TxHash         *string        `json:"tx_hash"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TransitionMetadata carries the optional fields a transition may attach.
// Nil fields leave the prior value untouched.
type TransitionMetadata struct {
	TxHash       *string `json:"tx_hash,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// WithTransition returns a copy of the order advanced to the target state.
// Only status, tx_hash, error_message and updated_at may change.
func (o Order) WithTransition(to Status, md TransitionMetadata, now time.Time) (Order, error) {
	if !CanTransition(o.Status, to) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}

	next := o
	next.Status = to
	if md.TxHash != nil {
		next.TxHash = md.TxHash
	}
	if md.ErrorMessage != nil {
		next.ErrorMessage = md.ErrorMessage
	}
	next.UpdatedAt = now.UTC()
	return next, nil
}

type CreateOrderRequest struct {
	ServiceID    string         `json:"service_id"`
	BuyerWallet  string         `json:"buyer_wallet"`
	InputPayload map[string]any `json:"input_payload"`
}

// PaymentEvent is the settlement log as recorded against an order. The
// (TxHash, LogIndex) pair is the dedup key; BlockNumber is an ordering hint.
type PaymentEvent struct {
	OrderIDHex  string         `json:"order_id_hex"`
	TxHash      string         `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	LogIndex    uint           `json:"log_index"`
	RawEvent    map[string]any `json:"raw_event,omitempty"`
}

type PaymentResult struct {
	Order              Order `json:"order"`
	TransitionedToPaid bool  `json:"transitioned_to_paid"`
	DuplicateEvent     bool  `json:"duplicate_event"`
}

// Callback is the body of an authenticated supplier completion callback.
type Callback struct {
	OrderID string         `json:"order_id"`
	Status  Status         `json:"status"`
	Output  map[string]any `json:"output,omitempty"`
	Error   *string        `json:"error,omitempty"`
}

func (c Callback) Validate() error {
	if c.OrderID == "" {
		return fmt.Errorf("%w: callback order_id required", ErrValidation)
	}
	if c.Status != StatusCompleted && c.Status != StatusFailed {
		return fmt.Errorf("%w: unsupported callback status: %s", ErrValidation, c.Status)
	}
	return nil
}
