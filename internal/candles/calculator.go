// Package candles maps wall-clock time onto an instrument's candle grid
// and counts closed bars across market sessions. All arithmetic is in UTC
// whole minutes; a phase offset anchors the grid so that, for example, 4h
// forex candles open at 22:00, 02:00, 06:00 UTC rather than on midnight
// boundaries.
package candles

import (
	"time"

	"github.com/mlecomte/tradefan/internal/catalog"
)

// Iteration guard for bar walks. At the default 4h timeframe this covers
// more than five months of bars, far beyond any sane order lifetime.
const maxBarWalk = 1000

// Session hour constants (UTC).
const (
	forexCloseHour = 22  // Friday 22:00 close, Sunday 22:00 reopen
	rthOpenMinute  = 870  // 14:30
	rthCloseMinute = 1260 // 21:00
)

// Calculator performs candle-grid arithmetic for one instrument.
type Calculator struct {
	params catalog.CandleParams
}

// New builds a calculator for the given candle parameters.
func New(params catalog.CandleParams) Calculator {
	return Calculator{params: params}
}

// BarIndex returns the index of the candle containing t on the phased grid.
func (c Calculator) BarIndex(t time.Time, barMinutes int) int64 {
	minutes := t.Unix() / 60
	return floorDiv(minutes-int64(c.params.PhaseMinutes), int64(barMinutes))
}

// BarOpen returns the opening time of the candle with the given index.
func (c Calculator) BarOpen(idx int64, barMinutes int) time.Time {
	minutes := idx*int64(barMinutes) + int64(c.params.PhaseMinutes)
	return time.Unix(minutes*60, 0).UTC()
}

// MarketOpen reports whether the instrument's market trades at t.
func (c Calculator) MarketOpen(t time.Time) bool {
	t = t.UTC()
	switch c.params.Session {
	case catalog.Session24x7:
		return true
	case catalog.SessionRTH:
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
			return false
		}
		minuteOfDay := t.Hour()*60 + t.Minute()
		return minuteOfDay >= rthOpenMinute && minuteOfDay <= rthCloseMinute
	default: // 24x5
		switch t.Weekday() {
		case time.Saturday:
			return false
		case time.Friday:
			return t.Hour() < forexCloseHour
		case time.Sunday:
			return t.Hour() >= forexCloseHour
		}
		return true
	}
}

// ClosedBarsSince counts the candles that have fully closed between
// `since` and `now`, starting with the candle containing `since`: a
// mid-bar creation ages by one as soon as its own bar closes, matching
// the bars-elapsed figure a chart displays. Bars whose open falls into a
// closed session do not advance the count, so a weekend never ages a
// forex order. The walk is capped; beyond the cap the count so far is
// returned, which only ever under-reports age.
func (c Calculator) ClosedBarsSince(since, now time.Time, barMinutes int) int {
	if !now.After(since) || barMinutes <= 0 {
		return 0
	}

	start := c.BarIndex(since, barMinutes)
	end := c.BarIndex(now, barMinutes)

	closed := 0
	for idx := start; idx < end && idx-start < maxBarWalk; idx++ {
		if c.MarketOpen(c.BarOpen(idx, barMinutes)) {
			closed++
		}
	}
	return closed
}

// TimeoutAt projects the moment when `bars` market-hours candles will
// have closed, the candle containing `since` being the first. ok=false
// when the projection exceeds the walk cap.
func (c Calculator) TimeoutAt(since time.Time, bars, barMinutes int) (time.Time, bool) {
	if bars <= 0 || barMinutes <= 0 {
		return since, true
	}

	idx := c.BarIndex(since, barMinutes)
	closed := 0
	for i := 0; i < maxBarWalk; i++ {
		open := c.BarOpen(idx, barMinutes)
		if c.MarketOpen(open) {
			closed++
			if closed == bars {
				return open.Add(time.Duration(barMinutes) * time.Minute), true
			}
		}
		idx++
	}
	return time.Time{}, false
}

// floorDiv divides rounding toward negative infinity, so pre-epoch phases
// and pre-phase timestamps land on the correct grid cell.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
