package contract

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeRoundTrip(t *testing.T) {
	for _, typ := range []Type{Call, Put, BinaryCall, BinaryPut} {
		parsed, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}

	_, err := ParseType("straddle")
	require.Error(t, err)
}

func TestStatusRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusCreated, StatusActive, StatusSettled, StatusDisputed, StatusExpired, StatusCancelled} {
		parsed, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	c := &Contract{Status: StatusCreated}

	require.NoError(t, c.Transition(StatusActive))
	require.NoError(t, c.Transition(StatusDisputed))
	require.NoError(t, c.Transition(StatusSettled))

	// Settled is terminal.
	err := c.Transition(StatusActive)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestForbiddenTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusCreated, StatusSettled},
		{StatusCreated, StatusDisputed},
		{StatusDisputed, StatusCancelled},
		{StatusExpired, StatusActive},
		{StatusSettled, StatusDisputed},
	}
	for _, tc := range cases {
		c := &Contract{Status: tc.from}
		err := c.Transition(tc.to)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s must be rejected", tc.from, tc.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StatusSettled.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.False(t, StatusDisputed.Terminal())
}

func TestStrikeCents(t *testing.T) {
	c := &Contract{Strike: decimal.NewFromFloat(500.25), Quantity: decimal.NewFromFloat(1.5), Expiry: time.Now()}

	strike, err := c.StrikeCents()
	require.NoError(t, err)
	assert.Equal(t, uint32(50025), strike)

	quantity, err := c.QuantityHundredths()
	require.NoError(t, err)
	assert.Equal(t, uint32(150), quantity)
}

func TestStrikeCentsRejectsOutOfScale(t *testing.T) {
	c := &Contract{Strike: decimal.NewFromInt(-1)}
	_, err := c.StrikeCents()
	require.Error(t, err)

	c = &Contract{Strike: decimal.NewFromInt(1 << 40)}
	_, err = c.StrikeCents()
	require.Error(t, err)
}
