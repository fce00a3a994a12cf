// Package catalog resolves instrument trading parameters and candle
// session characteristics for canonical symbols. Configured entries win;
// anything unconfigured falls back to convention-based detection so that
// a new symbol trades sensibly without a config edit.
package catalog

import (
	"strings"

	"github.com/mlecomte/tradefan/internal/config"
)

// SessionModel names the trading-hours pattern of an instrument.
type SessionModel string

// Session models.
const (
	Session24x7 SessionModel = "24x7" // crypto
	Session24x5 SessionModel = "24x5" // forex, metals
	SessionRTH  SessionModel = "RTH"  // US equities regular trading hours
)

// Candle phase offsets in minutes relative to the Unix epoch, per session
// model. Forex 4h candles open at 22:00/02:00/06:00/... UTC, crypto at
// midnight-aligned boundaries, and US equities at the 14:30 UTC open.
const (
	PhaseForexMin  = -120
	PhaseCryptoMin = 0
	PhaseStocksMin = 150
)

// Spec is the resolved trading profile of one instrument.
type Spec struct {
	Symbol         string
	PipSize        float64
	PipValuePerLot float64 // 0 = derive from the account snapshot
	ContractSize   float64
	QuoteCurrency  string
	MinLot         float64
	MaxLot         float64
	LotStep        float64
}

// CandleParams locate an instrument's candle grid and market hours.
type CandleParams struct {
	PhaseMinutes int
	Session      SessionModel
}

// Default lot constraints applied when the config does not narrow them.
const (
	defaultMinLot       = 0.01
	defaultMaxLot       = 100.0
	defaultLotStep      = 0.01
	defaultContractSize = 100000.0
)

// Symbol prefixes recognized as crypto assets.
var cryptoPrefixes = []string{"BTC", "ETH", "SOL", "BNB", "LTC", "XRP", "ADA", "DOGE"}

// US equity tickers seen in practice. The set only needs to cover
// signal sources; unconfigured unknowns default to the forex session.
var stockTickers = map[string]bool{
	"AAPL": true, "MSFT": true, "NVDA": true, "TSLA": true,
	"AMZN": true, "GOOGL": true, "GOOG": true, "META": true,
	"JPM": true, "V": true, "AMD": true, "NFLX": true,
}

// Catalog answers instrument lookups against the loaded configuration.
type Catalog struct {
	instruments map[string]*config.InstrumentEntry
}

// New builds a catalog over the configured instrument entries.
func New(cfg *config.Config) *Catalog {
	return &Catalog{instruments: cfg.Instruments}
}

// Normalize canonicalizes a symbol token: uppercase, separators stripped.
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}

// Spec resolves the trading profile for a canonical symbol. Unset fields
// of a configured entry and entirely unconfigured symbols fall back to
// forex conventions.
func (c *Catalog) Spec(symbol string) Spec {
	symbol = Normalize(symbol)
	spec := Spec{
		Symbol:       symbol,
		ContractSize: defaultContractSize,
		MinLot:       defaultMinLot,
		MaxLot:       defaultMaxLot,
		LotStep:      defaultLotStep,
	}

	entry := c.entry(symbol)
	if entry != nil {
		spec.PipSize = entry.PipSize
		spec.PipValuePerLot = entry.PipValuePerLot
		if entry.ContractSize > 0 {
			spec.ContractSize = entry.ContractSize
		}
		spec.QuoteCurrency = strings.ToUpper(entry.QuoteCurrency)
		if entry.MinLot > 0 {
			spec.MinLot = entry.MinLot
		}
		if entry.MaxLot > 0 {
			spec.MaxLot = entry.MaxLot
		}
		if entry.LotStep > 0 {
			spec.LotStep = entry.LotStep
		}
	}

	if spec.QuoteCurrency == "" {
		spec.QuoteCurrency = quoteCurrency(symbol)
	}
	if spec.PipSize == 0 {
		spec.PipSize = defaultPipSize(spec.QuoteCurrency)
	}
	return spec
}

// CandleParams resolves the candle grid phase and session model.
// Configured values win; otherwise both follow from the symbol class.
func (c *Catalog) CandleParams(symbol string) CandleParams {
	symbol = Normalize(symbol)

	params := detectCandleParams(symbol)

	entry := c.entry(symbol)
	if entry != nil {
		if entry.SessionModel != "" {
			params.Session = SessionModel(entry.SessionModel)
			params.PhaseMinutes = phaseForSession(params.Session)
		}
		if entry.CandlePhaseMin != nil {
			params.PhaseMinutes = *entry.CandlePhaseMin
		}
	}
	return params
}

func (c *Catalog) entry(symbol string) *config.InstrumentEntry {
	if c == nil || c.instruments == nil {
		return nil
	}
	return c.instruments[symbol]
}

func detectCandleParams(symbol string) CandleParams {
	if isCrypto(symbol) {
		return CandleParams{PhaseMinutes: PhaseCryptoMin, Session: Session24x7}
	}
	if stockTickers[symbol] {
		return CandleParams{PhaseMinutes: PhaseStocksMin, Session: SessionRTH}
	}
	return CandleParams{PhaseMinutes: PhaseForexMin, Session: Session24x5}
}

func phaseForSession(s SessionModel) int {
	switch s {
	case Session24x7:
		return PhaseCryptoMin
	case SessionRTH:
		return PhaseStocksMin
	default:
		return PhaseForexMin
	}
}

func isCrypto(symbol string) bool {
	for _, prefix := range cryptoPrefixes {
		if strings.HasPrefix(symbol, prefix) {
			return true
		}
	}
	return false
}

// quoteCurrency extracts the quote leg of a conventional 6-letter pair.
func quoteCurrency(symbol string) string {
	if len(symbol) == 6 && isAlpha(symbol) {
		return symbol[3:]
	}
	return ""
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// defaultPipSize follows the forex convention: two-decimal pips for JPY
// quotes, four-decimal otherwise.
func defaultPipSize(quote string) float64 {
	if quote == "JPY" {
		return 0.01
	}
	return 0.0001
}
