package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSide(t *testing.T) {
	for input, want := range map[string]OrderSide{
		"BUY": SideBuy, "buy": SideBuy, "LONG": SideBuy, " long ": SideBuy,
		"SELL": SideSell, "short": SideSell,
	} {
		got, err := ParseSide(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseSide("sideways")
	assert.Error(t, err)
}

func TestParseOrderType(t *testing.T) {
	assert.Equal(t, TypeMarket, ParseOrderType("market"))
	assert.Equal(t, TypeStop, ParseOrderType("STOP"))
	assert.Equal(t, TypeLimit, ParseOrderType("limit"))
	assert.Equal(t, TypeLimit, ParseOrderType(""), "limit is the default")
	assert.Equal(t, TypeLimit, ParseOrderType("weird"))
}

func TestSymbolMap(t *testing.T) {
	m := newSymbolMap(map[string]string{"EURUSD": "EURUSD.X", "XAUUSD": "GOLD"})

	h, ok := m.Map("XAUUSD")
	assert.True(t, ok)
	assert.Equal(t, "GOLD", h)

	_, ok = m.Map("GBPUSD")
	assert.False(t, ok)

	assert.Equal(t, "XAUUSD", m.Reverse("GOLD"))
	assert.Equal(t, "UNKNOWN", m.Reverse("UNKNOWN"), "unmapped handles pass through")
}

func TestPendingOrderAgeKnown(t *testing.T) {
	var o PendingOrder
	assert.False(t, o.AgeKnown())

	o.CreatedAt = time.Now()
	assert.True(t, o.AgeKnown())
}

func TestAPIError(t *testing.T) {
	err := &APIError{Status: 404, Body: "not found"}
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "not found")
}
