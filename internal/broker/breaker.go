package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker so that a run of transport failures
// on one account opens the circuit and fails fast instead of holding the
// dispatcher on a dead session.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker wraps broker with sensible defaults.
func NewCircuitBreakerBroker(b Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, logger, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, logger *logrus.Logger, s CircuitBreakerSettings) *CircuitBreakerBroker {
	gb := gobreaker.Settings{
		Name:        b.ID(),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"broker": name,
				"from":   from.String(),
				"to":     to.String(),
			}).Warn("broker circuit breaker state changed")
		},
	}
	return &CircuitBreakerBroker{broker: b, breaker: gobreaker.NewCircuitBreaker(gb)}
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// ID returns the wrapped broker id.
func (c *CircuitBreakerBroker) ID() string { return c.broker.ID() }

// Name returns the wrapped broker display name.
func (c *CircuitBreakerBroker) Name() string { return c.broker.Name() }

// Connected reports the wrapped broker connection state.
func (c *CircuitBreakerBroker) Connected() bool { return c.broker.Connected() }

// Connect wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) Connect(ctx context.Context) error {
	_, err := execBreaker(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.broker.Connect(ctx)
	})
	return err
}

// Disconnect bypasses the breaker: shutdown must always reach the session.
func (c *CircuitBreakerBroker) Disconnect(ctx context.Context) error {
	return c.broker.Disconnect(ctx)
}

// AccountInfo wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) AccountInfo(ctx context.Context) (*AccountState, error) {
	return execBreaker(c.breaker, func() (*AccountState, error) { return c.broker.AccountInfo(ctx) })
}

// Symbols wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	return execBreaker(c.breaker, func() ([]SymbolInfo, error) { return c.broker.Symbols(ctx) })
}

// PlaceOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return execBreaker(c.breaker, func() (*OrderResult, error) { return c.broker.PlaceOrder(ctx, req) })
}

// CancelOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) (*OrderResult, error) {
	return execBreaker(c.breaker, func() (*OrderResult, error) { return c.broker.CancelOrder(ctx, orderID) })
}

// PendingOrders wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) PendingOrders(ctx context.Context) ([]PendingOrder, error) {
	return execBreaker(c.breaker, func() ([]PendingOrder, error) { return c.broker.PendingOrders(ctx) })
}

// Positions wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) Positions(ctx context.Context) ([]Position, error) {
	return execBreaker(c.breaker, func() ([]Position, error) { return c.broker.Positions(ctx) })
}
