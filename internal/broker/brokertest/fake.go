// Package brokertest provides a configurable in-memory Broker for tests.
package brokertest

import (
	"context"
	"sync"

	"github.com/mlecomte/tradefan/internal/broker"
)

// Fake is a scriptable Broker. Zero value is a connected broker with an
// empty book; override fields or Err* hooks to shape behavior.
type Fake struct {
	mu sync.Mutex

	BrokerID   string
	BrokerName string

	State    broker.AccountState
	SymList  []broker.SymbolInfo
	Pending  []broker.PendingOrder
	Open     []broker.Position
	PlaceRes broker.OrderResult

	ErrConnect   error
	ErrAccount   error
	ErrSymbols   error
	ErrPending   error
	ErrPositions error
	ErrPlace     error
	ErrCancel    error

	Disconnected bool

	// Recorded calls.
	Placed    []broker.OrderRequest
	Cancelled []string
}

var _ broker.Broker = (*Fake)(nil)

// New returns a connected fake with sane account defaults.
func New(id string) *Fake {
	return &Fake{
		BrokerID:   id,
		BrokerName: "Fake",
		State: broker.AccountState{
			AccountID:  id,
			BrokerName: "Fake",
			Balance:    10000,
			Equity:     10000,
			Currency:   "USD",
		},
		PlaceRes: broker.OrderResult{Success: true, OrderID: "1", Message: "order placed"},
	}
}

func (f *Fake) ID() string      { return f.BrokerID }
func (f *Fake) Name() string    { return f.BrokerName }
func (f *Fake) Connected() bool { return !f.Disconnected }

func (f *Fake) Connect(context.Context) error { return f.ErrConnect }

func (f *Fake) Disconnect(context.Context) error {
	f.Disconnected = true
	return nil
}

func (f *Fake) AccountInfo(context.Context) (*broker.AccountState, error) {
	if f.ErrAccount != nil {
		return nil, f.ErrAccount
	}
	s := f.State
	return &s, nil
}

func (f *Fake) Symbols(context.Context) ([]broker.SymbolInfo, error) {
	if f.ErrSymbols != nil {
		return nil, f.ErrSymbols
	}
	return f.SymList, nil
}

func (f *Fake) PlaceOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	if f.ErrPlace != nil {
		return nil, f.ErrPlace
	}
	f.mu.Lock()
	f.Placed = append(f.Placed, req)
	f.mu.Unlock()
	r := f.PlaceRes
	return &r, nil
}

func (f *Fake) CancelOrder(_ context.Context, orderID string) (*broker.OrderResult, error) {
	if f.ErrCancel != nil {
		return nil, f.ErrCancel
	}
	f.mu.Lock()
	f.Cancelled = append(f.Cancelled, orderID)
	remaining := f.Pending[:0]
	for _, p := range f.Pending {
		if p.ID != orderID {
			remaining = append(remaining, p)
		}
	}
	f.Pending = remaining
	f.mu.Unlock()
	return &broker.OrderResult{Success: true, OrderID: orderID, Message: "order cancelled"}, nil
}

func (f *Fake) PendingOrders(context.Context) ([]broker.PendingOrder, error) {
	if f.ErrPending != nil {
		return nil, f.ErrPending
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.PendingOrder, len(f.Pending))
	copy(out, f.Pending)
	return out, nil
}

func (f *Fake) Positions(context.Context) ([]broker.Position, error) {
	if f.ErrPositions != nil {
		return nil, f.ErrPositions
	}
	return f.Open, nil
}
