// Package broker provides brokerage API adapters for order execution.
// It defines the adapter contract shared by the persistent binary-RPC
// (cTrader) and stateless REST (TradeLocker) implementations.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// OrderSide is the trade direction on the wire.
type OrderSide string

// Trade directions.
const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

// Order types.
const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
	TypeStop   OrderType = "STOP"
)

// Suggested adapter-internal timeouts for remote calls.
const (
	StateReadTimeout = 10 * time.Second
	SubmitTimeout    = 30 * time.Second
	CancelTimeout    = 15 * time.Second
)

// OrderRequest is the adapter-agnostic submission record. Volume is in
// lots; adapters convert to their native unit.
type OrderRequest struct {
	Symbol     string // canonical, uppercase
	Side       OrderSide
	Type       OrderType
	Volume     float64 // lots
	EntryPrice float64 // required for LIMIT/STOP
	StopLoss   float64
	TakeProfit float64

	// ExpiryUnixMs is a hint; adapters use it only when the broker
	// supports native order expiry. 0 means good-till-cancelled.
	ExpiryUnixMs int64

	Label   string
	Comment string
}

// OrderResult is the outcome of a place/cancel operation. Transport faults
// surface as errors from the adapter call; a non-nil OrderResult with
// Success=false is a broker-side rejection.
type OrderResult struct {
	Success    bool
	OrderID    string
	Message    string
	ErrorCode  string
	FillPrice  float64
	FillVolume float64
	FillTime   time.Time
}

// PendingOrder is a working order observed on the broker side. A zero
// CreatedAt means the broker did not report a creation time; such orders
// are age-unknown and must never be expired locally.
type PendingOrder struct {
	ID         string
	Symbol     string // canonical when reverse-mappable, else the broker handle
	Side       OrderSide
	Type       OrderType
	Volume     float64 // lots
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	CreatedAt  time.Time
	ExpiresAt  time.Time // broker-native expiry, if any
	Label      string
	BrokerID   string
}

// AgeKnown reports whether the broker supplied an authoritative creation time.
func (p *PendingOrder) AgeKnown() bool { return !p.CreatedAt.IsZero() }

// Position is an open position observed on the broker side.
type Position struct {
	ID            string
	Symbol        string
	Side          OrderSide
	Volume        float64
	EntryPrice    float64
	CurrentPrice  float64
	UnrealizedPnL float64
}

// AccountState is a point-in-time snapshot of the account. FreeMargin may
// be zero when the broker does not report it (no open positions); callers
// treat that as an unconstrained margin ratio.
type AccountState struct {
	AccountID  string
	BrokerName string
	Balance    float64
	Equity     float64
	UsedMargin float64
	FreeMargin float64
	Currency   string
	Leverage   int
	Demo       bool
}

// SymbolInfo describes one instrument as the broker lists it.
type SymbolInfo struct {
	Symbol      string // broker-reported name
	Handle      string // broker-specific identifier
	Description string
	Digits      int
	PipSize     float64
	Tradable    bool
}

// Broker is the adapter contract. All operations may suspend on remote
// I/O and honor ctx cancellation; timeouts are adapter-internal.
type Broker interface {
	ID() string
	Name() string
	Connected() bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	AccountInfo(ctx context.Context) (*AccountState, error)
	Symbols(ctx context.Context) ([]SymbolInfo, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (*OrderResult, error)

	PendingOrders(ctx context.Context) ([]PendingOrder, error)
	Positions(ctx context.Context) ([]Position, error)
}

// ParseSide normalizes a direction token (LONG/BUY, SHORT/SELL).
func ParseSide(s string) (OrderSide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy, nil
	case "SELL", "SHORT":
		return SideSell, nil
	}
	return "", fmt.Errorf("unknown order side %q", s)
}

// ParseOrderType normalizes an order-type token, defaulting to LIMIT.
func ParseOrderType(s string) OrderType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET":
		return TypeMarket
	case "STOP":
		return TypeStop
	default:
		return TypeLimit
	}
}

// symbolMap wraps the per-account canonical->handle mapping and its reverse.
type symbolMap struct {
	forward map[string]string
	reverse map[string]string
}

func newSymbolMap(mapping map[string]string) symbolMap {
	fwd := make(map[string]string, len(mapping))
	rev := make(map[string]string, len(mapping))
	for canonical, handle := range mapping {
		fwd[canonical] = handle
		rev[handle] = canonical
	}
	return symbolMap{forward: fwd, reverse: rev}
}

// Map resolves a canonical symbol to the broker handle; ok=false when the
// instrument is not mapped for this account.
func (m symbolMap) Map(canonical string) (string, bool) {
	h, ok := m.forward[canonical]
	return h, ok
}

// Reverse maps a broker handle back to the canonical symbol. Unmapped
// handles pass through unchanged so observers still see something usable.
func (m symbolMap) Reverse(handle string) string {
	if canonical, ok := m.reverse[handle]; ok {
		return canonical
	}
	return handle
}

// APIError is a transport-level error carrying the upstream status code.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}
