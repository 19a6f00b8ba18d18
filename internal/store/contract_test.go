package store

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

const (
	testToken    = "0x5555555555555555555555555555555555555555"
	testChainID  = int64(56)
	testBuyer    = "0x3333333333333333333333333333333333333333"
	testSupplier = "0x4444444444444444444444444444444444444444"
)

type storeFactory func(t *testing.T) Store

// uniqueService mints a service registration with a fresh id, so the suite
// can run against a shared database without colliding with earlier runs.
func uniqueService() order.Service {
	return order.Service{
		ServiceID:      "svc_" + uuid.NewString()[:8],
		Name:           "Translation",
		Description:    "Translates documents",
		PriceUSDT:      "1.5",
		TokenDecimals:  6,
		Endpoint:       "http://supplier.local/task",
		SupplierWallet: testSupplier,
		IsActive:       true,
	}
}

func uniqueTxHash() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func seedOrder(t *testing.T, st Store) order.Order {
	t.Helper()
	ctx := context.Background()

	svc, err := st.RegisterService(ctx, uniqueService())
	require.NoError(t, err)

	o, err := st.CreateOrder(ctx, order.CreateOrderRequest{
		ServiceID:    svc.ServiceID,
		BuyerWallet:  testBuyer,
		InputPayload: map[string]any{"text": "hola"},
	}, testToken, testChainID)
	require.NoError(t, err)
	return o
}

func hasService(services []order.Service, serviceID string) bool {
	for _, svc := range services {
		if svc.ServiceID == serviceID {
			return true
		}
	}
	return false
}

func hasOrder(orders []order.Order, orderID string) bool {
	for _, o := range orders {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}

// runStoreContract is the single contract suite both Store implementations
// must pass.
func runStoreContract(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("RegisterServiceNormalizes", func(t *testing.T) {
		st := factory(t)

		svc, err := st.RegisterService(ctx, uniqueService())
		require.NoError(t, err)

		assert.Equal(t, "1500000", svc.PriceAtomic)
		assert.True(t, order.ValidIDHex(svc.ServiceIDHex))
		assert.Equal(t, "1.0.0", svc.Version)
		assert.NotNil(t, svc.InputSchema)

		got, err := st.GetService(ctx, svc.ServiceID)
		require.NoError(t, err)
		assert.Equal(t, svc, got)
	})

	t.Run("RegisterServiceValidation", func(t *testing.T) {
		st := factory(t)

		cases := []struct {
			name   string
			mutate func(*order.Service)
		}{
			{"short id", func(s *order.Service) { s.ServiceID = "ab" }},
			{"missing name", func(s *order.Service) { s.Name = "" }},
			{"missing endpoint", func(s *order.Service) { s.Endpoint = "" }},
			{"bad wallet", func(s *order.Service) { s.SupplierWallet = "not-an-address" }},
			{"bad price", func(s *order.Service) { s.PriceUSDT = "0" }},
			{"bad hex", func(s *order.Service) { s.ServiceIDHex = "0x1234" }},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				svc := uniqueService()
				tc.mutate(&svc)
				_, err := st.RegisterService(ctx, svc)
				assert.ErrorIs(t, err, order.ErrValidation)
			})
		}
	})

	t.Run("ListServicesOnlyActive", func(t *testing.T) {
		st := factory(t)

		active, err := st.RegisterService(ctx, uniqueService())
		require.NoError(t, err)

		inactive := uniqueService()
		inactive.IsActive = false
		registered, err := st.RegisterService(ctx, inactive)
		require.NoError(t, err)

		services, err := st.ListServices(ctx)
		require.NoError(t, err)
		assert.True(t, hasService(services, active.ServiceID))
		assert.False(t, hasService(services, registered.ServiceID))
	})

	t.Run("CreateOrder", func(t *testing.T) {
		st := factory(t)
		o := seedOrder(t, st)

		assert.Equal(t, order.StatusCreated, o.Status)
		assert.True(t, order.ValidIDHex(o.OrderIDHex))
		assert.Equal(t, "1.5", o.AmountUSDT)
		assert.Equal(t, "1500000", o.AmountAtomic)
		assert.Equal(t, testSupplier, o.SupplierWallet)
		assert.Equal(t, testToken, o.TokenAddress)
		assert.Equal(t, testChainID, o.ChainID)

		got, err := st.GetOrder(ctx, o.OrderID)
		require.NoError(t, err)
		assert.Equal(t, o.OrderID, got.OrderID)
		assert.Equal(t, o.Status, got.Status)
		assert.Equal(t, map[string]any{"text": "hola"}, got.InputPayload)
	})

	t.Run("CreateOrderRejections", func(t *testing.T) {
		st := factory(t)

		_, err := st.CreateOrder(ctx, order.CreateOrderRequest{ServiceID: "svc_missing", BuyerWallet: testBuyer}, testToken, testChainID)
		assert.ErrorIs(t, err, order.ErrServiceNotFound)

		svc, err := st.RegisterService(ctx, uniqueService())
		require.NoError(t, err)

		_, err = st.CreateOrder(ctx, order.CreateOrderRequest{ServiceID: svc.ServiceID, BuyerWallet: "bogus"}, testToken, testChainID)
		assert.ErrorIs(t, err, order.ErrValidation)

		inactive := uniqueService()
		inactive.IsActive = false
		registered, err := st.RegisterService(ctx, inactive)
		require.NoError(t, err)

		_, err = st.CreateOrder(ctx, order.CreateOrderRequest{ServiceID: registered.ServiceID, BuyerWallet: testBuyer}, testToken, testChainID)
		assert.ErrorIs(t, err, order.ErrValidation)
	})

	t.Run("GetOrderByHex", func(t *testing.T) {
		st := factory(t)
		o := seedOrder(t, st)

		got, err := st.GetOrderByHex(ctx, o.OrderIDHex)
		require.NoError(t, err)
		assert.Equal(t, o.OrderID, got.OrderID)

		// lookup ignores hex casing
		upper, err := st.GetOrderByHex(ctx, "0x"+strings.ToUpper(o.OrderIDHex[2:]))
		require.NoError(t, err)
		assert.Equal(t, o.OrderID, upper.OrderID)

		_, err = st.GetOrderByHex(ctx, "0x"+strings.Repeat("00", 32))
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})

	t.Run("TransitionOrder", func(t *testing.T) {
		st := factory(t)
		o := seedOrder(t, st)

		tx := uniqueTxHash()
		paid, err := st.TransitionOrder(ctx, o.OrderID, order.StatusPaid, order.TransitionMetadata{TxHash: &tx})
		require.NoError(t, err)
		assert.Equal(t, order.StatusPaid, paid.Status)
		require.NotNil(t, paid.TxHash)
		assert.Equal(t, tx, *paid.TxHash)

		_, err = st.TransitionOrder(ctx, o.OrderID, order.StatusCompleted, order.TransitionMetadata{})
		assert.ErrorIs(t, err, order.ErrInvalidTransition)

		// a rejected transition must not mutate the order
		got, err := st.GetOrder(ctx, o.OrderID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPaid, got.Status)
		require.NotNil(t, got.TxHash)
		assert.Equal(t, tx, *got.TxHash)

		_, err = st.TransitionOrder(ctx, "ord_missing", order.StatusPaid, order.TransitionMetadata{})
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})

	t.Run("RecordPaymentEvent", func(t *testing.T) {
		st := factory(t)
		o := seedOrder(t, st)

		tx := uniqueTxHash()
		res, err := st.RecordPaymentEvent(ctx, o.OrderID, order.PaymentEvent{
			OrderIDHex:  o.OrderIDHex,
			TxHash:      tx,
			BlockNumber: 42,
			LogIndex:    3,
		})
		require.NoError(t, err)
		assert.True(t, res.TransitionedToPaid)
		assert.False(t, res.DuplicateEvent)
		assert.Equal(t, order.StatusPaid, res.Order.Status)
		require.NotNil(t, res.Order.TxHash)
		assert.Equal(t, tx, *res.Order.TxHash)
	})

	t.Run("RecordPaymentEventDuplicate", func(t *testing.T) {
		st := factory(t)
		o := seedOrder(t, st)

		evt := order.PaymentEvent{OrderIDHex: o.OrderIDHex, TxHash: uniqueTxHash(), LogIndex: 3}

		first, err := st.RecordPaymentEvent(ctx, o.OrderID, evt)
		require.NoError(t, err)
		require.True(t, first.TransitionedToPaid)

		second, err := st.RecordPaymentEvent(ctx, o.OrderID, evt)
		require.NoError(t, err)
		assert.True(t, second.DuplicateEvent)
		assert.False(t, second.TransitionedToPaid)
		assert.Equal(t, order.StatusPaid, second.Order.Status)

		// a different log index is a distinct event, not a duplicate
		other := order.PaymentEvent{OrderIDHex: o.OrderIDHex, TxHash: evt.TxHash, LogIndex: 4}
		third, err := st.RecordPaymentEvent(ctx, o.OrderID, other)
		require.NoError(t, err)
		assert.False(t, third.DuplicateEvent)
		assert.False(t, third.TransitionedToPaid, "order already PAID")
		assert.Equal(t, order.StatusPaid, third.Order.Status)
	})

	t.Run("RecordPaymentEventCrossOrder", func(t *testing.T) {
		st := factory(t)
		first := seedOrder(t, st)
		second := seedOrder(t, st)

		evt := order.PaymentEvent{OrderIDHex: first.OrderIDHex, TxHash: uniqueTxHash(), LogIndex: 0}
		_, err := st.RecordPaymentEvent(ctx, first.OrderID, evt)
		require.NoError(t, err)

		// the same settlement log cannot also pay a second order
		_, err = st.RecordPaymentEvent(ctx, second.OrderID, evt)
		assert.ErrorIs(t, err, order.ErrValidation)

		got, err := st.GetOrder(ctx, second.OrderID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCreated, got.Status)
	})

	t.Run("RecordPaymentEventValidation", func(t *testing.T) {
		st := factory(t)
		o := seedOrder(t, st)

		_, err := st.RecordPaymentEvent(ctx, o.OrderID, order.PaymentEvent{OrderIDHex: o.OrderIDHex})
		assert.ErrorIs(t, err, order.ErrValidation)

		_, err = st.RecordPaymentEvent(ctx, "ord_missing", order.PaymentEvent{TxHash: uniqueTxHash()})
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})

	t.Run("ApplySupplierCallback", func(t *testing.T) {
		st := factory(t)
		o := seedOrder(t, st)

		_, err := st.TransitionOrder(ctx, o.OrderID, order.StatusPaid, order.TransitionMetadata{})
		require.NoError(t, err)
		_, err = st.TransitionOrder(ctx, o.OrderID, order.StatusRunning, order.TransitionMetadata{})
		require.NoError(t, err)

		done, err := st.ApplySupplierCallback(ctx, o.OrderID, order.Callback{
			OrderID: o.OrderID,
			Status:  order.StatusCompleted,
			Output:  map[string]any{"text": "hello"},
		})
		require.NoError(t, err)
		assert.Equal(t, order.StatusCompleted, done.Status)
		assert.Equal(t, map[string]any{"text": "hello"}, done.ResultPayload)
	})

	t.Run("ApplySupplierCallbackRequiresRunning", func(t *testing.T) {
		st := factory(t)
		o := seedOrder(t, st)

		cb := order.Callback{OrderID: o.OrderID, Status: order.StatusCompleted}

		_, err := st.ApplySupplierCallback(ctx, o.OrderID, cb)
		assert.ErrorIs(t, err, order.ErrInvalidTransition, "CREATED order rejects callbacks")

		_, err = st.TransitionOrder(ctx, o.OrderID, order.StatusPaid, order.TransitionMetadata{})
		require.NoError(t, err)
		_, err = st.ApplySupplierCallback(ctx, o.OrderID, cb)
		assert.ErrorIs(t, err, order.ErrInvalidTransition, "PAID order rejects callbacks")

		// rejected callbacks leave the order untouched
		got, err := st.GetOrder(ctx, o.OrderID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPaid, got.Status)
		assert.Nil(t, got.ResultPayload)

		_, err = st.TransitionOrder(ctx, o.OrderID, order.StatusRunning, order.TransitionMetadata{})
		require.NoError(t, err)
		_, err = st.ApplySupplierCallback(ctx, o.OrderID, cb)
		require.NoError(t, err)

		// late duplicate after completion
		_, err = st.ApplySupplierCallback(ctx, o.OrderID, cb)
		assert.ErrorIs(t, err, order.ErrInvalidTransition)
	})

	t.Run("ApplySupplierCallbackFailed", func(t *testing.T) {
		st := factory(t)
		o := seedOrder(t, st)

		_, err := st.TransitionOrder(ctx, o.OrderID, order.StatusPaid, order.TransitionMetadata{})
		require.NoError(t, err)
		_, err = st.TransitionOrder(ctx, o.OrderID, order.StatusRunning, order.TransitionMetadata{})
		require.NoError(t, err)

		msg := "supplier blew up"
		failed, err := st.ApplySupplierCallback(ctx, o.OrderID, order.Callback{
			OrderID: o.OrderID,
			Status:  order.StatusFailed,
			Error:   &msg,
		})
		require.NoError(t, err)
		assert.Equal(t, order.StatusFailed, failed.Status)
		require.NotNil(t, failed.ErrorMessage)
		assert.Equal(t, "supplier blew up", *failed.ErrorMessage)
	})

	t.Run("ListOrdersByStatus", func(t *testing.T) {
		st := factory(t)

		created := seedOrder(t, st)
		paid := seedOrder(t, st)
		_, err := st.TransitionOrder(ctx, paid.OrderID, order.StatusPaid, order.TransitionMetadata{})
		require.NoError(t, err)

		all, err := st.ListOrders(ctx, nil)
		require.NoError(t, err)
		assert.True(t, hasOrder(all, created.OrderID))
		assert.True(t, hasOrder(all, paid.OrderID))

		paidStatus := order.StatusPaid
		onlyPaid, err := st.ListOrders(ctx, &paidStatus)
		require.NoError(t, err)
		assert.True(t, hasOrder(onlyPaid, paid.OrderID))
		assert.False(t, hasOrder(onlyPaid, created.OrderID))

		createdStatus := order.StatusCreated
		onlyCreated, err := st.ListOrders(ctx, &createdStatus)
		require.NoError(t, err)
		assert.True(t, hasOrder(onlyCreated, created.OrderID))
		assert.False(t, hasOrder(onlyCreated, paid.OrderID))
	})

	t.Run("VerifyAndConsumeNonce", func(t *testing.T) {
		st := factory(t)
		nonce := uuid.NewString()

		ok, err := st.VerifyAndConsumeNonce(ctx, nonce)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.VerifyAndConsumeNonce(ctx, nonce)
		require.NoError(t, err)
		assert.False(t, ok, "nonce is single use")

		ok, err = st.VerifyAndConsumeNonce(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("VerifyAndConsumeNonceConcurrent", func(t *testing.T) {
		st := factory(t)
		nonce := uuid.NewString()

		const workers = 16
		var wg sync.WaitGroup
		wins := make(chan struct{}, workers)

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.VerifyAndConsumeNonce(ctx, nonce)
				assert.NoError(t, err)
				if ok {
					wins <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(wins)

		assert.Len(t, wins, 1, "exactly one consumer wins the nonce")
	})
}
