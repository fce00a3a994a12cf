package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/broker/brokertest"
	"github.com/mlecomte/tradefan/internal/config"
)

func testLimits() config.FilterConfig {
	return config.FilterConfig{
		MinFreeMarginPct: 30,
		MaxOpenPositions: 2,
		MaxPendingOrders: 3,
	}
}

func newFake() *brokertest.Fake {
	f := brokertest.New("acc1")
	f.SymList = []broker.SymbolInfo{{Symbol: "EURUSD"}, {Symbol: "GBPUSD"}}
	return f
}

func TestCheckPasses(t *testing.T) {
	c := New(logrus.New())
	state, rej := c.Check(context.Background(), newFake(), "EURUSD", broker.SideBuy, testLimits())

	assert.Nil(t, rej)
	require.NotNil(t, state)
	assert.Equal(t, 10000.0, state.Balance)
}

func TestCheckInstrumentNotAvailable(t *testing.T) {
	c := New(logrus.New())
	_, rej := c.Check(context.Background(), newFake(), "XAUUSD", broker.SideBuy, testLimits())

	require.NotNil(t, rej)
	assert.Equal(t, ReasonInstrumentNotAvailable, rej.Reason)
}

func TestCheckSymbolListErrorFailsOpen(t *testing.T) {
	f := newFake()
	f.ErrSymbols = errors.New("boom")

	c := New(logrus.New())
	_, rej := c.Check(context.Background(), f, "XAUUSD", broker.SideBuy, testLimits())
	assert.Nil(t, rej)
}

func TestCheckConnectionError(t *testing.T) {
	f := newFake()
	f.ErrAccount = errors.New("session closed")

	c := New(logrus.New())
	state, rej := c.Check(context.Background(), f, "EURUSD", broker.SideBuy, testLimits())

	assert.Nil(t, state)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonConnectionError, rej.Reason)
}

func TestCheckMarginInsufficient(t *testing.T) {
	f := newFake()
	f.State.Equity = 10000
	f.State.FreeMargin = 2000 // 20% < 30% floor

	c := New(logrus.New())
	_, rej := c.Check(context.Background(), f, "EURUSD", broker.SideBuy, testLimits())

	require.NotNil(t, rej)
	assert.Equal(t, ReasonMarginInsufficient, rej.Reason)
}

func TestCheckZeroFreeMarginMeansUnconstrained(t *testing.T) {
	f := newFake()
	f.State.FreeMargin = 0 // nothing open, broker omits the figure

	c := New(logrus.New())
	_, rej := c.Check(context.Background(), f, "EURUSD", broker.SideBuy, testLimits())
	assert.Nil(t, rej)
}

func TestCheckMaxPositions(t *testing.T) {
	f := newFake()
	f.Open = []broker.Position{{ID: "1"}, {ID: "2"}}

	c := New(logrus.New())
	_, rej := c.Check(context.Background(), f, "EURUSD", broker.SideBuy, testLimits())

	require.NotNil(t, rej)
	assert.Equal(t, ReasonMaxPositions, rej.Reason)
}

func TestCheckPositionListErrorFailsOpen(t *testing.T) {
	f := newFake()
	f.ErrPositions = errors.New("boom")

	c := New(logrus.New())
	_, rej := c.Check(context.Background(), f, "EURUSD", broker.SideBuy, testLimits())
	assert.Nil(t, rej)
}

func TestCheckMaxPendingOrders(t *testing.T) {
	f := newFake()
	f.Pending = []broker.PendingOrder{{ID: "1"}, {ID: "2"}, {ID: "3"}}

	c := New(logrus.New())
	_, rej := c.Check(context.Background(), f, "EURUSD", broker.SideBuy, testLimits())

	require.NotNil(t, rej)
	assert.Equal(t, ReasonMaxPendingOrders, rej.Reason)
}

func TestCheckDuplicateOrder(t *testing.T) {
	f := newFake()
	f.Pending = []broker.PendingOrder{
		{ID: "9", Symbol: "EURUSD", Side: broker.SideBuy},
	}

	c := New(logrus.New())
	_, rej := c.Check(context.Background(), f, "EURUSD", broker.SideBuy, testLimits())

	require.NotNil(t, rej)
	assert.Equal(t, ReasonDuplicateOrder, rej.Reason)

	// Opposite side on the same symbol still collides: one working order
	// per instrument per account.
	_, rej = c.Check(context.Background(), f, "EURUSD", broker.SideSell, testLimits())
	require.NotNil(t, rej)
	assert.Equal(t, ReasonDuplicateOrder, rej.Reason)

	// A different instrument does not.
	_, rej = c.Check(context.Background(), f, "GBPUSD", broker.SideBuy, testLimits())
	assert.Nil(t, rej)
}

func TestCheckDuplicateMatchesBrokerHandle(t *testing.T) {
	// A pending order under an unmapped broker handle still collides with
	// the canonical symbol by substring.
	f := newFake()
	f.Pending = []broker.PendingOrder{
		{ID: "9", Symbol: "eurusd.x", Side: broker.SideBuy},
	}

	c := New(logrus.New())
	_, rej := c.Check(context.Background(), f, "EURUSD", broker.SideBuy, testLimits())

	require.NotNil(t, rej)
	assert.Equal(t, ReasonDuplicateOrder, rej.Reason)
}

func TestCheckDuplicatePreventionDisabled(t *testing.T) {
	f := newFake()
	f.Pending = []broker.PendingOrder{
		{ID: "9", Symbol: "EURUSD", Side: broker.SideBuy},
	}

	off := false
	limits := testLimits()
	limits.DuplicatePrevention = &off

	c := New(logrus.New())
	_, rej := c.Check(context.Background(), f, "EURUSD", broker.SideBuy, limits)
	assert.Nil(t, rej)
}
