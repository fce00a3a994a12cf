// Package webhook implements the HTTP intake: alert parsing,
// authentication and the signal endpoints.
package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/catalog"
	"github.com/mlecomte/tradefan/internal/dispatch"
)

// Parsed is a decoded alert plus the credentials found in the body, which
// feed the token check before the signal enters the pipeline.
type Parsed struct {
	Signal dispatch.Signal
	Token  string
}

// jsonAlert accepts the field spellings seen across TradingView alert
// templates. Numbers may arrive as JSON numbers or strings.
type jsonAlert struct {
	Symbol string `json:"symbol"`
	Ticker string `json:"ticker"`
	Pair   string `json:"pair"`

	Side      string `json:"side"`
	Direction string `json:"direction"`
	Action    string `json:"action"`

	Entry      json.Number `json:"entry"`
	Price      json.Number `json:"price"`
	EntryPrice json.Number `json:"entry_price"`

	SL       json.Number `json:"sl"`
	StopLoss json.Number `json:"stop_loss"`

	TP         json.Number `json:"tp"`
	TakeProfit json.Number `json:"take_profit"`

	Type      string `json:"type"`
	OrderType string `json:"order_type"`

	Validity     json.Number `json:"validity"`
	ValidityBars json.Number `json:"validity_bars"`

	ATR       json.Number `json:"atr"`
	Timeframe json.Number `json:"timeframe"`
	TFMinutes json.Number `json:"timeframe_minutes"`

	Accounts any `json:"accounts"`

	Token  string `json:"token"`
	Secret string `json:"secret"`
}

// Parse decodes an alert body. A body starting with '{' is treated as
// JSON; anything else goes through the free-text parser used for plain
// TradingView alert messages.
func Parse(body []byte) (*Parsed, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("empty alert body")
	}
	if strings.HasPrefix(trimmed, "{") {
		return parseJSON([]byte(trimmed))
	}
	return parseText(trimmed)
}

func parseJSON(body []byte) (*Parsed, error) {
	var a jsonAlert
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("malformed JSON alert: %w", err)
	}

	sig := dispatch.Signal{
		Symbol: catalog.Normalize(first(a.Symbol, a.Ticker, a.Pair)),
	}
	if sig.Symbol == "" {
		return nil, fmt.Errorf("alert has no symbol")
	}

	side, err := broker.ParseSide(first(a.Side, a.Direction, a.Action))
	if err != nil {
		return nil, err
	}
	sig.Side = side
	sig.Type = broker.ParseOrderType(first(a.Type, a.OrderType))

	sig.Entry = number(a.Entry, a.Price, a.EntryPrice)
	sig.StopLoss = number(a.SL, a.StopLoss)
	sig.TakeProfit = number(a.TP, a.TakeProfit)
	sig.ValidityBars = int(number(a.Validity, a.ValidityBars))
	sig.ATR = number(a.ATR)
	sig.TimeframeMinutes = int(number(a.Timeframe, a.TFMinutes))
	sig.Accounts = parseAccounts(a.Accounts)

	token := first(a.Token, a.Secret)
	if err := Validate(&sig); err != nil {
		return nil, err
	}
	return &Parsed{Signal: sig, Token: token}, nil
}

// Free-text key aliases, accent-folded and lowercased. "entrée" and
// "validité" cover the French alert templates in the wild.
var textKeys = map[string]string{
	"entry": "entry", "entree": "entry", "price": "entry",
	"sl": "sl", "stop": "sl", "stoploss": "sl",
	"tp": "tp", "target": "tp", "takeprofit": "tp",
	"validity": "validity", "validite": "validity", "bars": "validity",
	"atr": "atr",
	"timeframe": "timeframe", "tf": "timeframe",
	"type": "type",
	"accounts": "accounts", "comptes": "accounts",
	"token": "token", "secret": "token",
}

func parseText(body string) (*Parsed, error) {
	sig := dispatch.Signal{Type: broker.TypeLimit}
	var token string

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if key, value, ok := splitKeyValue(line); ok {
			switch textKeys[foldKey(key)] {
			case "entry":
				sig.Entry = parseFloat(value)
			case "sl":
				sig.StopLoss = parseFloat(value)
			case "tp":
				sig.TakeProfit = parseFloat(value)
			case "validity":
				sig.ValidityBars = int(parseFloat(value))
			case "atr":
				sig.ATR = parseFloat(value)
			case "timeframe":
				sig.TimeframeMinutes = int(parseFloat(value))
			case "type":
				sig.Type = broker.ParseOrderType(value)
			case "accounts":
				sig.Accounts = splitList(value)
			case "token":
				token = strings.TrimSpace(value)
			}
			continue
		}

		// Bare tokens: a direction keyword or dot marker, then the symbol,
		// usually "🟢 LONG EURUSD" or "SHORT GBPJPY (4h)".
		for _, word := range strings.Fields(line) {
			if side, ok := sideMarker(word); ok {
				sig.Side = side
			} else if side, err := broker.ParseSide(word); err == nil {
				sig.Side = side
			} else if sig.Symbol == "" {
				sig.Symbol = catalog.Normalize(strings.Trim(word, "()"))
			}
		}
	}

	if sig.Symbol == "" {
		return nil, fmt.Errorf("alert has no symbol")
	}
	if sig.Side == "" {
		return nil, fmt.Errorf("alert has no direction")
	}
	if err := Validate(&sig); err != nil {
		return nil, err
	}
	return &Parsed{Signal: sig, Token: token}, nil
}

// Validate checks price coherence: entry, stop and target must all be
// present, with the stop on the losing side of the entry and the target
// on the winning side. A missing validity defaults to one bar.
func Validate(sig *dispatch.Signal) error {
	if sig.Entry <= 0 {
		return fmt.Errorf("entry price is required")
	}
	if sig.StopLoss <= 0 {
		return fmt.Errorf("stop loss is required")
	}
	if sig.TakeProfit <= 0 {
		return fmt.Errorf("take profit is required")
	}

	switch sig.Side {
	case broker.SideBuy:
		if sig.StopLoss >= sig.Entry {
			return fmt.Errorf("long signal needs SL below entry (sl=%v entry=%v)", sig.StopLoss, sig.Entry)
		}
		if sig.TakeProfit <= sig.Entry {
			return fmt.Errorf("long signal needs TP above entry (tp=%v entry=%v)", sig.TakeProfit, sig.Entry)
		}
	case broker.SideSell:
		if sig.StopLoss <= sig.Entry {
			return fmt.Errorf("short signal needs SL above entry (sl=%v entry=%v)", sig.StopLoss, sig.Entry)
		}
		if sig.TakeProfit >= sig.Entry {
			return fmt.Errorf("short signal needs TP below entry (tp=%v entry=%v)", sig.TakeProfit, sig.Entry)
		}
	}
	if sig.ValidityBars < 0 || sig.ValidityBars > 100 {
		return fmt.Errorf("validity bars out of range: %d", sig.ValidityBars)
	}
	if sig.ValidityBars == 0 {
		sig.ValidityBars = 1
	}
	return nil
}

func splitKeyValue(line string) (key, value string, ok bool) {
	for _, sep := range []string{":", "="} {
		if i := strings.Index(line, sep); i > 0 {
			return line[:i], line[i+len(sep):], true
		}
	}
	return "", "", false
}

// foldKey lowercases and strips the accents appearing in the known keys.
func foldKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	r := strings.NewReplacer("é", "e", "è", "e", "ê", "e", "à", "a", "û", "u")
	return r.Replace(s)
}

// sideMarker maps the colored-dot emojis some alert templates use in
// place of a direction keyword.
func sideMarker(word string) (broker.OrderSide, bool) {
	switch strings.TrimSpace(word) {
	case "🟢", "🔵":
		return broker.SideBuy, true
	case "🔴":
		return broker.SideSell, true
	}
	return "", false
}

// parseFloat reads the leading numeric token, so trailing annotations like
// "1.0850 (limite)" parse cleanly. Decimal commas are accepted.
func parseFloat(s string) float64 {
	if fields := strings.Fields(s); len(fields) > 0 {
		s = fields[0]
	}
	s = strings.ReplaceAll(s, ",", ".")
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAccounts(v any) []string {
	switch a := v.(type) {
	case string:
		return splitList(a)
	case []any:
		var out []string
		for _, item := range a {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func first(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func number(values ...json.Number) float64 {
	for _, v := range values {
		if v == "" {
			continue
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
