package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusCreated, StatusPaid}:      true,
		{StatusPaid, StatusRunning}:      true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
	}

	for _, from := range Statuses {
		for _, to := range Statuses {
			got := CanTransition(from, to)
			assert.Equal(t, allowed[[2]Status{from, to}], got, "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.False(t, StatusCreated.Terminal())
	assert.False(t, StatusPaid.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("RUNNING")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	_, err = ParseStatus("running")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParseStatus("")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWithTransition(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	o := Order{OrderID: "ord_1", Status: StatusCreated}

	tx := "0xabc"
	paid, err := o.WithTransition(StatusPaid, TransitionMetadata{TxHash: &tx}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, paid.Status)
	require.NotNil(t, paid.TxHash)
	assert.Equal(t, "0xabc", *paid.TxHash)
	assert.Equal(t, now, paid.UpdatedAt)

	// original is untouched
	assert.Equal(t, StatusCreated, o.Status)
	assert.Nil(t, o.TxHash)
}

func TestWithTransitionRejected(t *testing.T) {
	o := Order{OrderID: "ord_1", Status: StatusCompleted}
	_, err := o.WithTransition(StatusRunning, TransitionMetadata{}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	o.Status = StatusCreated
	_, err = o.WithTransition(StatusRunning, TransitionMetadata{}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWithTransitionKeepsPriorMetadata(t *testing.T) {
	tx := "0xdead"
	o := Order{OrderID: "ord_1", Status: StatusPaid, TxHash: &tx}

	running, err := o.WithTransition(StatusRunning, TransitionMetadata{}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, running.TxHash)
	assert.Equal(t, "0xdead", *running.TxHash)
}

func TestCallbackValidate(t *testing.T) {
	errMsg := "boom"

	cases := []struct {
		name string
		cb   Callback
		ok   bool
	}{
		{"completed", Callback{OrderID: "ord_1", Status: StatusCompleted}, true},
		{"failed", Callback{OrderID: "ord_1", Status: StatusFailed, Error: &errMsg}, true},
		{"missing order id", Callback{Status: StatusCompleted}, false},
		{"running not allowed", Callback{OrderID: "ord_1", Status: StatusRunning}, false},
		{"paid not allowed", Callback{OrderID: "ord_1", Status: StatusPaid}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cb.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}
