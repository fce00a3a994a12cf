package broker

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/mlecomte/tradefan/internal/config"
)

// Registry holds the adapter for every enabled account, keyed by the
// config broker id.
type Registry struct {
	brokers map[string]Broker
	order   []string
}

// NewRegistry wraps pre-built adapters. order lists the execution order;
// ids missing from it are appended in map iteration order.
func NewRegistry(brokers map[string]Broker, order []string) *Registry {
	r := &Registry{brokers: brokers}
	seen := make(map[string]bool)
	for _, id := range order {
		if _, ok := brokers[id]; ok && !seen[id] {
			r.order = append(r.order, id)
			seen[id] = true
		}
	}
	for id := range brokers {
		if !seen[id] {
			r.order = append(r.order, id)
		}
	}
	return r
}

// BuildRegistry constructs one adapter per enabled broker entry, wrapped
// in a circuit breaker. rotator persists cTrader token rotations.
func BuildRegistry(cfg *config.Config, rotator TokenRotator, logger *logrus.Logger) (*Registry, error) {
	brokers := make(map[string]Broker)
	for id, bc := range cfg.EnabledBrokers() {
		b, err := newAdapter(id, bc, rotator, logger)
		if err != nil {
			return nil, fmt.Errorf("broker %q: %w", id, err)
		}
		brokers[id] = NewCircuitBreakerBroker(b, logger)
	}
	return NewRegistry(brokers, cfg.Execution.AccountOrder), nil
}

func newAdapter(id string, bc *config.BrokerConfig, rotator TokenRotator, logger *logrus.Logger) (Broker, error) {
	switch bc.Type {
	case "ctrader":
		accountID, err := parseAccountID(bc.AccountID)
		if err != nil {
			return nil, err
		}
		return NewCTraderBroker(id, CTraderConfig{
			ClientID:     bc.ClientID,
			ClientSecret: bc.ClientSecret,
			AccessToken:  bc.AccessToken,
			RefreshToken: bc.RefreshToken,
			AccountID:    accountID,
			Demo:         bc.Demo,
			AutoRefresh:  bc.AutoRefresh(),
			Instruments:  bc.Instruments,
		}, rotator, logger), nil
	case "tradelocker":
		return NewTradeLockerBroker(id, TradeLockerConfig{
			Email:       bc.Email,
			Password:    bc.Password,
			Server:      bc.Server,
			AccountID:   bc.AccountID,
			Demo:        bc.Demo,
			Instruments: bc.Instruments,
		}, logger), nil
	}
	return nil, fmt.Errorf("unknown broker type %q", bc.Type)
}

func parseAccountID(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ctrader account id %q", s)
	}
	return id, nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Broker, bool) {
	b, ok := r.brokers[id]
	return b, ok
}

// Order returns the execution order over enabled accounts.
func (r *Registry) Order() []string { return r.order }

// All returns every registered adapter keyed by id.
func (r *Registry) All() map[string]Broker { return r.brokers }
