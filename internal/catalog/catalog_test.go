package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mlecomte/tradefan/internal/config"
)

func newTestCatalog(instruments map[string]*config.InstrumentEntry) *Catalog {
	return New(&config.Config{Instruments: instruments})
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "EURUSD", Normalize(" eur/usd "))
	assert.Equal(t, "BTCUSD", Normalize("btc-usd"))
	assert.Equal(t, "XAUUSD", Normalize("XAU_USD"))
}

func TestSpecDefaultsForex(t *testing.T) {
	spec := newTestCatalog(nil).Spec("EURUSD")

	assert.Equal(t, 0.0001, spec.PipSize)
	assert.Equal(t, "USD", spec.QuoteCurrency)
	assert.Equal(t, 100000.0, spec.ContractSize)
	assert.Equal(t, 0.01, spec.MinLot)
	assert.Equal(t, 100.0, spec.MaxLot)
	assert.Zero(t, spec.PipValuePerLot)
}

func TestSpecDefaultsJPYQuote(t *testing.T) {
	spec := newTestCatalog(nil).Spec("USDJPY")

	assert.Equal(t, 0.01, spec.PipSize)
	assert.Equal(t, "JPY", spec.QuoteCurrency)
}

func TestSpecConfiguredEntryWins(t *testing.T) {
	cat := newTestCatalog(map[string]*config.InstrumentEntry{
		"XAUUSD": {
			PipSize:        0.1,
			PipValuePerLot: 10.0,
			ContractSize:   100,
			QuoteCurrency:  "usd",
			MinLot:         0.1,
			LotStep:        0.1,
		},
	})

	spec := cat.Spec("xau/usd")
	assert.Equal(t, 0.1, spec.PipSize)
	assert.Equal(t, 10.0, spec.PipValuePerLot)
	assert.Equal(t, 100.0, spec.ContractSize)
	assert.Equal(t, "USD", spec.QuoteCurrency)
	assert.Equal(t, 0.1, spec.MinLot)
	assert.Equal(t, 100.0, spec.MaxLot) // unset field keeps the default
}

func TestCandleParamsDetection(t *testing.T) {
	cat := newTestCatalog(nil)

	tests := []struct {
		symbol  string
		phase   int
		session SessionModel
	}{
		{"EURUSD", PhaseForexMin, Session24x5},
		{"GBPJPY", PhaseForexMin, Session24x5},
		{"XAUUSD", PhaseForexMin, Session24x5},
		{"BTCUSD", PhaseCryptoMin, Session24x7},
		{"ETHUSDT", PhaseCryptoMin, Session24x7},
		{"DOGEUSD", PhaseCryptoMin, Session24x7},
		{"AAPL", PhaseStocksMin, SessionRTH},
		{"TSLA", PhaseStocksMin, SessionRTH},
		{"V", PhaseStocksMin, SessionRTH},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			params := cat.CandleParams(tt.symbol)
			assert.Equal(t, tt.phase, params.PhaseMinutes, "phase")
			assert.Equal(t, tt.session, params.Session, "session")
		})
	}
}

func TestCandleParamsConfigOverride(t *testing.T) {
	phase := 30
	cat := newTestCatalog(map[string]*config.InstrumentEntry{
		"EURUSD": {PipSize: 0.0001, SessionModel: "24x7", CandlePhaseMin: &phase},
	})

	params := cat.CandleParams("EURUSD")
	assert.Equal(t, 30, params.PhaseMinutes)
	assert.Equal(t, Session24x7, params.Session)
}

func TestCandleParamsSessionOnlyOverride(t *testing.T) {
	cat := newTestCatalog(map[string]*config.InstrumentEntry{
		"SPX500": {PipSize: 0.1, SessionModel: "RTH"},
	})

	params := cat.CandleParams("SPX500")
	assert.Equal(t, PhaseStocksMin, params.PhaseMinutes)
	assert.Equal(t, SessionRTH, params.Session)
}
