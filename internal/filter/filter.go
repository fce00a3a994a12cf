// Package filter runs the pre-trade safety checks against one account.
// Checks run in a fixed order and the first failure wins. List-read
// failures fail open: a broker that cannot report its orders should not
// silently drop signals, only genuinely unreachable accounts do.
package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/config"
)

// Reason identifies which check rejected a signal.
type Reason string

// Rejection reasons, in check order.
const (
	ReasonInstrumentNotAvailable Reason = "INSTRUMENT_NOT_AVAILABLE"
	ReasonConnectionError        Reason = "CONNECTION_ERROR"
	ReasonMarginInsufficient     Reason = "MARGIN_INSUFFICIENT"
	ReasonMaxPositions           Reason = "MAX_POSITIONS_REACHED"
	ReasonMaxPendingOrders       Reason = "MAX_PENDING_ORDERS"
	ReasonDuplicateOrder         Reason = "DUPLICATE_ORDER"
)

// Rejection explains why an account was skipped for a signal.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) String() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Checker evaluates the per-account safety limits.
type Checker struct {
	logger *logrus.Logger
}

// New builds a checker.
func New(logger *logrus.Logger) *Checker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Checker{logger: logger}
}

// Check runs the safety checks for placing a symbol/side order on b.
// A nil Rejection means the order may proceed; the returned account
// snapshot is then valid and can be reused for sizing.
func (c *Checker) Check(ctx context.Context, b broker.Broker, symbol string, side broker.OrderSide, limits config.FilterConfig) (*broker.AccountState, *Rejection) {
	log := c.logger.WithFields(logrus.Fields{"broker": b.ID(), "symbol": symbol})

	// 1. Instrument availability. An unlistable catalog fails open.
	if symbols, err := b.Symbols(ctx); err != nil {
		log.WithError(err).Warn("symbol list unavailable, skipping availability check")
	} else if len(symbols) > 0 && !hasSymbol(symbols, symbol) {
		return nil, &Rejection{
			Reason: ReasonInstrumentNotAvailable,
			Detail: fmt.Sprintf("%s is not tradable on %s", symbol, b.Name()),
		}
	}

	// 2. Account reachability. Without a snapshot nothing can be sized,
	// so this one does not fail open.
	state, err := b.AccountInfo(ctx)
	if err != nil {
		return nil, &Rejection{
			Reason: ReasonConnectionError,
			Detail: fmt.Sprintf("account state unavailable: %v", err),
		}
	}

	// 3. Free margin. Brokers omit the figure when nothing is open;
	// treat that as fully unconstrained.
	marginPct := 100.0
	if state.Equity > 0 && state.FreeMargin > 0 {
		marginPct = state.FreeMargin / state.Equity * 100
	}
	if marginPct < limits.MinFreeMarginPct {
		return state, &Rejection{
			Reason: ReasonMarginInsufficient,
			Detail: fmt.Sprintf("free margin %.1f%% below minimum %.1f%%", marginPct, limits.MinFreeMarginPct),
		}
	}

	// 4. Open position cap.
	if positions, err := b.Positions(ctx); err != nil {
		log.WithError(err).Warn("position list unavailable, skipping position cap")
	} else if limits.MaxOpenPositions > 0 && len(positions) >= limits.MaxOpenPositions {
		return state, &Rejection{
			Reason: ReasonMaxPositions,
			Detail: fmt.Sprintf("%d open positions at cap %d", len(positions), limits.MaxOpenPositions),
		}
	}

	// 5 and 6 share one pending-order fetch.
	pending, err := b.PendingOrders(ctx)
	if err != nil {
		log.WithError(err).Warn("pending order list unavailable, skipping order checks")
		return state, nil
	}

	if limits.MaxPendingOrders > 0 && len(pending) >= limits.MaxPendingOrders {
		return state, &Rejection{
			Reason: ReasonMaxPendingOrders,
			Detail: fmt.Sprintf("%d pending orders at cap %d", len(pending), limits.MaxPendingOrders),
		}
	}

	// Symbol match is a case-insensitive substring test in both
	// directions, so a pass-through broker handle like "EURUSD.X" still
	// collides with EURUSD. Side is deliberately ignored: one working
	// order per instrument per account, whatever the direction.
	if limits.DuplicatePreventionEnabled() {
		want := strings.ToUpper(symbol)
		for i := range pending {
			have := strings.ToUpper(pending[i].Symbol)
			if have == "" {
				continue
			}
			if strings.Contains(have, want) || strings.Contains(want, have) {
				return state, &Rejection{
					Reason: ReasonDuplicateOrder,
					Detail: fmt.Sprintf("pending %s %s order %s already working", pending[i].Side, pending[i].Symbol, pending[i].ID),
				}
			}
		}
	}

	return state, nil
}

func hasSymbol(symbols []broker.SymbolInfo, symbol string) bool {
	for i := range symbols {
		if strings.EqualFold(symbols[i].Symbol, symbol) || strings.EqualFold(symbols[i].Handle, symbol) {
			return true
		}
	}
	return false
}
