package candles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mlecomte/tradefan/internal/catalog"
)

func forexCalc() Calculator {
	return New(catalog.CandleParams{PhaseMinutes: catalog.PhaseForexMin, Session: catalog.Session24x5})
}

func cryptoCalc() Calculator {
	return New(catalog.CandleParams{PhaseMinutes: catalog.PhaseCryptoMin, Session: catalog.Session24x7})
}

func rthCalc() Calculator {
	return New(catalog.CandleParams{PhaseMinutes: catalog.PhaseStocksMin, Session: catalog.SessionRTH})
}

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestForexBarBoundaries(t *testing.T) {
	c := forexCalc()

	// 4h forex candles open at 22:00, 02:00, 06:00, 10:00, 14:00, 18:00 UTC.
	for _, open := range []time.Time{
		utc(2026, time.January, 5, 2, 0),
		utc(2026, time.January, 5, 6, 0),
		utc(2026, time.January, 5, 22, 0),
	} {
		idx := c.BarIndex(open, 240)
		assert.Equal(t, open, c.BarOpen(idx, 240), "boundary should map to itself")
	}

	// Mid-bar timestamps map back to the containing bar's open.
	idx := c.BarIndex(utc(2026, time.January, 5, 3, 17), 240)
	assert.Equal(t, utc(2026, time.January, 5, 2, 0), c.BarOpen(idx, 240))
}

func TestBarIndexMonotonic(t *testing.T) {
	c := forexCalc()
	a := c.BarIndex(utc(2026, time.January, 5, 1, 59), 240)
	b := c.BarIndex(utc(2026, time.January, 5, 2, 0), 240)
	assert.Equal(t, a+1, b)
}

func TestMarketOpenForexWeekend(t *testing.T) {
	c := forexCalc()

	assert.True(t, c.MarketOpen(utc(2026, time.January, 9, 21, 59)), "friday before close")
	assert.False(t, c.MarketOpen(utc(2026, time.January, 9, 22, 0)), "friday close")
	assert.False(t, c.MarketOpen(utc(2026, time.January, 10, 12, 0)), "saturday")
	assert.False(t, c.MarketOpen(utc(2026, time.January, 11, 21, 59)), "sunday before reopen")
	assert.True(t, c.MarketOpen(utc(2026, time.January, 11, 22, 0)), "sunday reopen")
	assert.True(t, c.MarketOpen(utc(2026, time.January, 7, 12, 0)), "midweek")
}

func TestMarketOpenRTH(t *testing.T) {
	c := rthCalc()

	assert.False(t, c.MarketOpen(utc(2026, time.January, 5, 14, 29)))
	assert.True(t, c.MarketOpen(utc(2026, time.January, 5, 14, 30)))
	assert.True(t, c.MarketOpen(utc(2026, time.January, 5, 20, 59)))
	assert.True(t, c.MarketOpen(utc(2026, time.January, 5, 21, 0)), "close boundary is inclusive")
	assert.False(t, c.MarketOpen(utc(2026, time.January, 5, 21, 1)))
	assert.False(t, c.MarketOpen(utc(2026, time.January, 10, 15, 0)), "saturday")
}

func TestClosedBarsContinuousSession(t *testing.T) {
	c := forexCalc()

	// 03:00 Monday -> 14:30 Monday: the 02:00 creation bar plus the 06:00
	// and 10:00 bars have closed, the 14:00 bar is still forming.
	n := c.ClosedBarsSince(utc(2026, time.January, 5, 3, 0), utc(2026, time.January, 5, 14, 30), 240)
	assert.Equal(t, 3, n)
}

func TestClosedBarsSkipWeekend(t *testing.T) {
	c := forexCalc()

	// Friday 20:00 -> Monday 06:30. The 18:00 Friday creation bar counts;
	// every bar opening between the Friday close and the Sunday reopen is
	// a non-market bar; then Sunday 22:00 and Monday 02:00 count.
	n := c.ClosedBarsSince(utc(2026, time.January, 9, 20, 0), utc(2026, time.January, 12, 6, 30), 240)
	assert.Equal(t, 3, n)
}

func TestClosedBarsCrypto(t *testing.T) {
	c := cryptoCalc()

	// Creation bar 00:00 and the 04:00 bar closed; 08:00 still forming.
	n := c.ClosedBarsSince(utc(2026, time.January, 10, 0, 30), utc(2026, time.January, 10, 9, 0), 240)
	assert.Equal(t, 2, n, "saturday counts for a 24x7 instrument")
}

func TestClosedBarsIdentity(t *testing.T) {
	// closedBars(t, t) = 0 and closedBars(t, t+bar) = 1 for any mid-bar t
	// while the market trades.
	for name, c := range map[string]Calculator{"forex": forexCalc(), "crypto": cryptoCalc()} {
		at := utc(2026, time.January, 7, 3, 17)
		assert.Equal(t, 0, c.ClosedBarsSince(at, at, 240), name)
		assert.Equal(t, 1, c.ClosedBarsSince(at, at.Add(240*time.Minute), 240), name)
	}
}

func TestClosedBarsRTH(t *testing.T) {
	c := rthCalc()

	// Monday 14:00 -> Tuesday 16:00: the 14:30 and 18:30 Monday candles
	// closed in session; overnight bars do not count.
	n := c.ClosedBarsSince(utc(2026, time.January, 5, 14, 0), utc(2026, time.January, 6, 16, 0), 240)
	assert.Equal(t, 2, n)
}

func TestClosedBarsZeroBeforeFirstClose(t *testing.T) {
	c := forexCalc()
	n := c.ClosedBarsSince(utc(2026, time.January, 5, 3, 0), utc(2026, time.January, 5, 5, 59), 240)
	assert.Equal(t, 0, n, "creation candle still forming")
	n = c.ClosedBarsSince(utc(2026, time.January, 5, 3, 0), utc(2026, time.January, 5, 6, 0), 240)
	assert.Equal(t, 1, n, "creation candle closes exactly at 06:00")
}

func TestTimeoutAtContinuous(t *testing.T) {
	c := forexCalc()

	// Created mid-bar at 03:00: the 02:00 creation bar is the first of
	// the two, so the second closes at 10:00.
	at, ok := c.TimeoutAt(utc(2026, time.January, 5, 3, 0), 2, 240)
	assert.True(t, ok)
	assert.Equal(t, utc(2026, time.January, 5, 10, 0), at)
}

func TestTimeoutAtSpansWeekend(t *testing.T) {
	c := forexCalc()

	// The 18:00 Friday creation bar closes at 22:00; the second market
	// bar is Sunday 22:00, closing Monday 02:00.
	at, ok := c.TimeoutAt(utc(2026, time.January, 9, 20, 0), 2, 240)
	assert.True(t, ok)
	assert.Equal(t, utc(2026, time.January, 12, 2, 0), at)
}

func TestTimeoutAtWalkCap(t *testing.T) {
	c := cryptoCalc()

	_, ok := c.TimeoutAt(utc(2026, time.January, 5, 0, 0), maxBarWalk+1, 240)
	assert.False(t, ok)
}
