package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

var (
	testOrderHex   = common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
	testServiceHex = common.HexToHash("0x2222222222222222222222222222222222222222222222222222222222222222")
	testBuyer      = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testSupplier   = common.HexToAddress("0x4444444444444444444444444444444444444444")
	testToken      = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

func orderPaidLog(t *testing.T) types.Log {
	t.Helper()

	data, err := orderPaidDataArgs.Pack(testSupplier, testToken, big.NewInt(1500000), big.NewInt(1700000000))
	require.NoError(t, err)

	return types.Log{
		Address:     common.HexToAddress("0x6666666666666666666666666666666666666666"),
		Topics:      []common.Hash{OrderPaidTopic, testOrderHex, testServiceHex, common.BytesToHash(testBuyer.Bytes())},
		Data:        data,
		TxHash:      common.HexToHash("0x7777777777777777777777777777777777777777777777777777777777777777"),
		BlockNumber: 42,
		Index:       3,
	}
}

func TestParseOrderPaidLog(t *testing.T) {
	evt := ParseOrderPaidLog(orderPaidLog(t))
	require.NotNil(t, evt)

	assert.Equal(t, testOrderHex.Hex(), evt.OrderIDHex)
	assert.Equal(t, testServiceHex.Hex(), evt.ServiceIDHex)
	assert.Equal(t, testBuyer.Hex(), evt.Buyer)
	assert.Equal(t, testSupplier.Hex(), evt.Supplier)
	assert.Equal(t, testToken.Hex(), evt.Token)
	assert.Equal(t, "1500000", evt.AmountAtomic)
	assert.Equal(t, uint64(42), evt.BlockNumber)
	assert.Equal(t, uint(3), evt.LogIndex)
}

func TestParseOrderPaidLogMalformed(t *testing.T) {
	t.Run("wrong topic0", func(t *testing.T) {
		lg := orderPaidLog(t)
		lg.Topics[0] = common.HexToHash("0x01")
		assert.Nil(t, ParseOrderPaidLog(lg))
	})

	t.Run("missing indexed topics", func(t *testing.T) {
		lg := orderPaidLog(t)
		lg.Topics = lg.Topics[:2]
		assert.Nil(t, ParseOrderPaidLog(lg))
	})

	t.Run("no tx hash", func(t *testing.T) {
		lg := orderPaidLog(t)
		lg.TxHash = common.Hash{}
		assert.Nil(t, ParseOrderPaidLog(lg))
	})

	t.Run("truncated data", func(t *testing.T) {
		lg := orderPaidLog(t)
		lg.Data = lg.Data[:10]
		assert.Nil(t, ParseOrderPaidLog(lg))
	})
}

func TestParseOrderPaidLogBlockDefaultsToZero(t *testing.T) {
	lg := orderPaidLog(t)
	lg.BlockNumber = 0

	evt := ParseOrderPaidLog(lg)
	require.NotNil(t, evt)
	assert.Equal(t, uint64(0), evt.BlockNumber)
}

func TestHasExpectedToken(t *testing.T) {
	evt := ParseOrderPaidLog(orderPaidLog(t))
	require.NotNil(t, evt)

	assert.True(t, evt.HasExpectedToken(testToken.Hex()))
	assert.True(t, evt.HasExpectedToken("0x5555555555555555555555555555555555555555"), "case insensitive")
	assert.False(t, evt.HasExpectedToken("0x9999999999999999999999999999999999999999"))
}

func TestMismatchReason(t *testing.T) {
	evt := ParseOrderPaidLog(orderPaidLog(t))
	require.NotNil(t, evt)

	matching := order.Order{
		ServiceIDHex:   testServiceHex.Hex(),
		BuyerWallet:    testBuyer.Hex(),
		SupplierWallet: testSupplier.Hex(),
		TokenAddress:   testToken.Hex(),
		AmountAtomic:   "1500000",
	}
	assert.Empty(t, MismatchReason(matching, evt))

	// address comparisons ignore case
	lower := matching
	lower.BuyerWallet = "0x3333333333333333333333333333333333333333"
	assert.Empty(t, MismatchReason(lower, evt))

	cases := []struct {
		name   string
		mutate func(*order.Order)
		reason string
	}{
		{"service", func(o *order.Order) { o.ServiceIDHex = testOrderHex.Hex() }, "service_id_hex mismatch"},
		{"buyer", func(o *order.Order) { o.BuyerWallet = testSupplier.Hex() }, "buyer mismatch"},
		{"supplier", func(o *order.Order) { o.SupplierWallet = testBuyer.Hex() }, "supplier mismatch"},
		{"token", func(o *order.Order) { o.TokenAddress = testBuyer.Hex() }, "token mismatch"},
		{"amount", func(o *order.Order) { o.AmountAtomic = "1500001" }, "amount mismatch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := matching
			tc.mutate(&o)
			assert.Equal(t, tc.reason, MismatchReason(o, evt))
		})
	}
}
