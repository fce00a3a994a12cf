// Package sizing converts a risk budget into an order volume in lots.
package sizing

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mlecomte/tradefan/internal/catalog"
)

// Approximate USD pip values per standard lot, keyed by quote currency.
// Used when no configured value exists and no reliable derivation is
// possible, and as the sanity reference for derived values.
var defaultPipValues = map[string]float64{
	"USD": 10.0,
	"JPY": 6.5,
	"CHF": 11.0,
	"GBP": 12.5,
	"CAD": 7.2,
	"AUD": 6.5,
	"NZD": 5.9,
	"EUR": 10.8,
	"ZAR": 0.55,
	"MXN": 0.50,
	"CNH": 1.4,
	"SGD": 7.4,
	"NOK": 0.90,
	"HUF": 0.026,
	"CZK": 0.42,
}

// A derived pip value this far off the reference table is treated as a
// bad derivation and replaced by the table value.
const maxPipValueDeviation = 0.5

const fallbackPipValue = 10.0

// Result carries the computed volume and the intermediate figures, which
// go into logs and notifications.
type Result struct {
	Lots       float64
	RiskAmount float64
	StopPips   float64
	PipValue   float64
	Clamped    bool

	// RealizedRisk is the loss actually incurred at the stop after
	// step rounding and clamping; it differs from RiskAmount whenever
	// either adjusted the raw lot count.
	RealizedRisk float64
}

// String renders the sizing for logs and notifications.
func (r Result) String() string {
	s := fmt.Sprintf("%.2f lots (%.1f pips @ %.2f/pip, risk %.2f)",
		r.Lots, r.StopPips, r.PipValue, r.RealizedRisk)
	if r.Clamped {
		s += " [clamped]"
	}
	return s
}

// Compute sizes an order so that hitting the stop loses about riskPercent
// of accountValue. The result is rounded to the nearest multiple of the
// instrument's lot step and clamped to its lot range.
func Compute(spec catalog.Spec, entry, stopLoss, accountValue, riskPercent float64) (Result, error) {
	if accountValue <= 0 {
		return Result{}, fmt.Errorf("account value must be positive, got %.2f", accountValue)
	}
	if riskPercent <= 0 {
		return Result{}, fmt.Errorf("risk percent must be positive, got %.2f", riskPercent)
	}
	if spec.PipSize <= 0 {
		return Result{}, fmt.Errorf("instrument %s has no pip size", spec.Symbol)
	}

	stopPips := math.Abs(entry-stopLoss) / spec.PipSize
	if stopPips < 1e-9 {
		return Result{}, fmt.Errorf("stop distance is zero for %s (entry=%v sl=%v)", spec.Symbol, entry, stopLoss)
	}

	pipValue := resolvePipValue(spec, entry)
	riskAmount := accountValue * riskPercent / 100

	rawLots := riskAmount / (stopPips * pipValue)
	lots := roundToStep(rawLots, spec.LotStep)

	clamped := false
	if lots < spec.MinLot {
		lots = spec.MinLot
		clamped = true
	}
	if spec.MaxLot > 0 && lots > spec.MaxLot {
		lots = spec.MaxLot
		clamped = true
	}

	return Result{
		Lots:         lots,
		RiskAmount:   riskAmount,
		StopPips:     stopPips,
		PipValue:     pipValue,
		Clamped:      clamped,
		RealizedRisk: lots * stopPips * pipValue,
	}, nil
}

// resolvePipValue picks the per-lot pip value: the configured value wins,
// then a price-based derivation when the entry price allows one, then the
// reference table. A derived value deviating too far from the table is
// discarded in favor of the table, which catches bad entry prices and
// non-standard contract sizes.
func resolvePipValue(spec catalog.Spec, entry float64) float64 {
	if spec.PipValuePerLot > 0 {
		return spec.PipValuePerLot
	}

	quote := strings.ToUpper(spec.QuoteCurrency)
	reference, haveRef := defaultPipValues[quote]

	if quote == "USD" {
		return spec.PipSize * spec.ContractSize
	}

	// For USD-based pairs (USDJPY, USDCHF, ...) the entry price converts
	// the quote-currency pip value into USD.
	if strings.HasPrefix(spec.Symbol, "USD") && entry > 0 {
		derived := spec.PipSize * spec.ContractSize / entry
		if !haveRef {
			return derived
		}
		if math.Abs(derived-reference)/reference <= maxPipValueDeviation {
			return derived
		}
		return reference
	}

	if haveRef {
		return reference
	}
	return fallbackPipValue
}

// roundToStep rounds lots to the nearest multiple of step, in decimal
// space so steps like 0.01 do not accumulate binary error.
func roundToStep(lots, step float64) float64 {
	if step <= 0 {
		return lots
	}
	l := decimal.NewFromFloat(lots)
	s := decimal.NewFromFloat(step)
	steps := l.Div(s).Round(0)
	out, _ := steps.Mul(s).Float64()
	return out
}
