// Package chain turns raw OrderPaid contract logs into canonical settlement
// events and checks them against the order they claim to settle.
package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

// OrderPaidSignature is the canonical event signature of the payment router.
const OrderPaidSignature = "OrderPaid(bytes32,bytes32,address,address,address,uint256,uint256)"

// OrderPaidTopic is the topic0 hash every OrderPaid log carries.
var OrderPaidTopic = crypto.Keccak256Hash([]byte(OrderPaidSignature))

var orderPaidDataArgs abi.Arguments

func init() {
	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	orderPaidDataArgs = abi.Arguments{
		{Name: "supplier", Type: addressTy},
		{Name: "token", Type: addressTy},
		{Name: "amount", Type: uint256Ty},
		{Name: "timestamp", Type: uint256Ty},
	}
}

// OrderPaidEvent is the canonical settlement event. It is the wire contract
// between the chain listener and the reconciler, and the payload recorded
// against the order.
type OrderPaidEvent struct {
	OrderIDHex   string `json:"order_id_hex"`
	ServiceIDHex string `json:"service_id_hex"`
	Buyer        string `json:"buyer"`
	Supplier     string `json:"supplier"`
	Token        string `json:"token"`
	AmountAtomic string `json:"amount_atomic"`
	TxHash       string `json:"tx_hash"`
	BlockNumber  uint64 `json:"block_number"`
	LogIndex     uint   `json:"log_index"`
}

// ParseOrderPaidLog normalizes a raw log. It returns nil for anything
// malformed: wrong topic layout, missing transaction hash, or data that does
// not unpack. A missing block number degrades to zero; it is only an ordering
// hint.
func ParseOrderPaidLog(lg types.Log) *OrderPaidEvent {
	if len(lg.Topics) != 4 || lg.Topics[0] != OrderPaidTopic {
		return nil
	}
	if lg.TxHash == (common.Hash{}) {
		return nil
	}

	values, err := orderPaidDataArgs.Unpack(lg.Data)
	if err != nil || len(values) < 3 {
		return nil
	}

	supplier, ok := values[0].(common.Address)
	if !ok {
		return nil
	}
	token, ok := values[1].(common.Address)
	if !ok {
		return nil
	}
	amount, ok := values[2].(*big.Int)
	if !ok || amount == nil {
		return nil
	}

	return &OrderPaidEvent{
		OrderIDHex:   lg.Topics[1].Hex(),
		ServiceIDHex: lg.Topics[2].Hex(),
		Buyer:        common.BytesToAddress(lg.Topics[3].Bytes()).Hex(),
		Supplier:     supplier.Hex(),
		Token:        token.Hex(),
		AmountAtomic: amount.String(),
		TxHash:       lg.TxHash.Hex(),
		BlockNumber:  lg.BlockNumber,
		LogIndex:     lg.Index,
	}
}

// HasExpectedToken reports whether the event settles in the configured token.
func (e *OrderPaidEvent) HasExpectedToken(expectedToken string) bool {
	return order.SameAddress(e.Token, expectedToken)
}

// MismatchReason compares the event against the order it was matched to and
// returns a reason when any recorded field disagrees. A non-empty reason
// aborts reconciliation: the event must not cross-wire to the wrong order.
func MismatchReason(o order.Order, e *OrderPaidEvent) string {
	if !order.SameAddress(o.ServiceIDHex, e.ServiceIDHex) {
		return "service_id_hex mismatch"
	}
	if !order.SameAddress(o.BuyerWallet, e.Buyer) {
		return "buyer mismatch"
	}
	if !order.SameAddress(o.SupplierWallet, e.Supplier) {
		return "supplier mismatch"
	}
	if !order.SameAddress(o.TokenAddress, e.Token) {
		return "token mismatch"
	}
	if o.AmountAtomic != e.AmountAtomic {
		return "amount mismatch"
	}
	return ""
}
