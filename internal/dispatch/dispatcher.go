// Package dispatch fans one validated signal out to every enabled broker
// account, in configured order, with randomized pacing between accounts.
package dispatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/catalog"
	"github.com/mlecomte/tradefan/internal/config"
	"github.com/mlecomte/tradefan/internal/filter"
	"github.com/mlecomte/tradefan/internal/metrics"
	"github.com/mlecomte/tradefan/internal/notify"
	"github.com/mlecomte/tradefan/internal/sizing"
)

// Signal is one validated trade instruction entering the pipeline.
type Signal struct {
	ID         string
	Symbol     string // canonical
	Side       broker.OrderSide
	Type       broker.OrderType
	Entry      float64
	StopLoss   float64
	TakeProfit float64

	// ValidityBars overrides the configured bar timeout; 0 keeps it.
	ValidityBars int

	// ATR is the sender's volatility reading, carried for logs and
	// notifications; it does not alter sizing.
	ATR float64

	// TimeframeMinutes is the chart timeframe the alert fired on; 0
	// falls back to the configured default.
	TimeframeMinutes int

	// Accounts restricts the fan-out to a subset of broker ids; empty
	// means every enabled account.
	Accounts []string

	ReceivedAt time.Time
	Source     string
}

// Outcome records what happened on one account.
type Outcome struct {
	BrokerID string
	Placed   bool
	OrderID  string
	Lots     float64
	Skipped  *filter.Rejection
	Message  string
	Err      error
}

// Dispatcher routes signals to the broker adapters.
type Dispatcher struct {
	store    *config.Store
	registry *broker.Registry
	catalog  *catalog.Catalog
	checker  *filter.Checker
	bus      *notify.Bus
	logger   *logrus.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a dispatcher over the given registry.
func New(store *config.Store, registry *broker.Registry, cat *catalog.Catalog, checker *filter.Checker, bus *notify.Bus, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		catalog:  cat,
		checker:  checker,
		bus:      bus,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch places the signal on each target account in order. The first
// account executes immediately; every subsequent one waits a uniformly
// random delay from the configured window, so the fan-out does not look
// like a single mirrored burst. Per-account failures never abort the
// remaining accounts.
func (d *Dispatcher) Dispatch(ctx context.Context, sig Signal) map[string]Outcome {
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	cfg := d.store.Get()
	targets := d.targetAccounts(sig)
	minDelay, maxDelay := cfg.DelayWindow()

	log := d.logger.WithFields(logrus.Fields{
		"signal": sig.ID,
		"symbol": sig.Symbol,
		"side":   sig.Side,
	})
	log.WithField("accounts", targets).Info("dispatching signal")

	outcomes := make(map[string]Outcome, len(targets))
	for i, id := range targets {
		if i > 0 {
			if err := d.sleep(ctx, randomDelay(minDelay, maxDelay)); err != nil {
				outcomes[id] = Outcome{BrokerID: id, Err: err, Message: "dispatch cancelled"}
				continue
			}
		}
		outcomes[id] = d.placeOn(ctx, cfg, id, sig)
	}
	return outcomes
}

// targetAccounts intersects the execution order with the signal's
// requested subset, preserving execution order.
func (d *Dispatcher) targetAccounts(sig Signal) []string {
	order := d.registry.Order()
	if len(sig.Accounts) == 0 {
		return order
	}
	requested := make(map[string]bool, len(sig.Accounts))
	for _, id := range sig.Accounts {
		requested[id] = true
	}
	var out []string
	for _, id := range order {
		if requested[id] {
			out = append(out, id)
		}
	}
	return out
}

func (d *Dispatcher) placeOn(ctx context.Context, cfg *config.Config, id string, sig Signal) Outcome {
	b, ok := d.registry.Get(id)
	if !ok {
		return Outcome{BrokerID: id, Err: fmt.Errorf("unknown broker %q", id)}
	}
	log := d.logger.WithFields(logrus.Fields{"signal": sig.ID, "broker": id})

	state, rej := d.checker.Check(ctx, b, sig.Symbol, sig.Side, cfg.AccountFilters(id))
	if rej != nil {
		metrics.FilterRejections.WithLabelValues(id, string(rej.Reason)).Inc()
		log.WithFields(logrus.Fields{"reason": rej.Reason, "detail": rej.Detail}).
			Info("account skipped by pre-trade filter")
		return Outcome{BrokerID: id, Skipped: rej, Message: rej.Detail}
	}

	accountValue := d.accountValue(cfg, state)
	spec := d.catalog.Spec(sig.Symbol)

	size, err := sizing.Compute(spec, sig.Entry, sig.StopLoss, accountValue, cfg.General.RiskPercent)
	if err != nil {
		metrics.OrdersFailed.WithLabelValues(id).Inc()
		log.WithError(err).Warn("position sizing failed")
		d.publishError(id, sig, fmt.Sprintf("sizing failed: %v", err))
		return Outcome{BrokerID: id, Err: err, Message: "sizing failed"}
	}

	req := broker.OrderRequest{
		Symbol:       sig.Symbol,
		Side:         sig.Side,
		Type:         sig.Type,
		Volume:       size.Lots,
		EntryPrice:   sig.Entry,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		ExpiryUnixMs: d.expiryHint(cfg, sig),
		Label:        "tradefan",
		Comment:      sig.ID,
	}

	res, err := b.PlaceOrder(ctx, req)
	if err != nil {
		metrics.OrdersFailed.WithLabelValues(id).Inc()
		log.WithError(err).Error("order submission failed")
		d.publishError(id, sig, fmt.Sprintf("submission failed: %v", err))
		return Outcome{BrokerID: id, Err: err, Message: "submission failed"}
	}
	if !res.Success {
		metrics.OrdersFailed.WithLabelValues(id).Inc()
		log.WithFields(logrus.Fields{"code": res.ErrorCode, "message": res.Message}).
			Warn("order rejected by broker")
		d.publishError(id, sig, res.Message)
		return Outcome{BrokerID: id, Message: res.Message}
	}

	metrics.OrdersPlaced.WithLabelValues(id).Inc()
	log.WithFields(logrus.Fields{
		"order":  res.OrderID,
		"sizing": size.String(),
		"entry":  sig.Entry,
	}).Info("order placed")
	if d.bus != nil {
		d.bus.Publish(notify.Event{
			Type:    notify.EventOrderPlaced,
			Broker:  id,
			Symbol:  sig.Symbol,
			Message: fmt.Sprintf("%s %.2f lots @ %v (order %s)", sig.Side, size.Lots, sig.Entry, res.OrderID),
		})
	}
	return Outcome{BrokerID: id, Placed: true, OrderID: res.OrderID, Lots: size.Lots, Message: res.Message}
}

// accountValue picks the sizing basis: equity when configured and
// reported, else balance, else the configured fallback so a broker with
// a broken state endpoint still gets a conservatively sized order.
func (d *Dispatcher) accountValue(cfg *config.Config, state *broker.AccountState) float64 {
	v := state.Balance
	if cfg.General.UseEquity && state.Equity > 0 {
		v = state.Equity
	}
	if v <= 0 {
		v = cfg.Execution.FallbackAccountValue
	}
	return v
}

// expiryHint projects the native-expiry timestamp: validity bars times the
// signal's timeframe (configured default when the alert carries none)
// from now. Brokers without native expiry ignore it and rely on the
// reaper.
func (d *Dispatcher) expiryHint(cfg *config.Config, sig Signal) int64 {
	bars := sig.ValidityBars
	if bars <= 0 {
		bars = cfg.General.OrderTimeoutBars
	}
	tf := sig.TimeframeMinutes
	if tf <= 0 {
		tf = cfg.General.TimeframeMinutes
	}
	ttl := int64(bars) * int64(tf) * 60_000
	return time.Now().UnixMilli() + ttl
}

func (d *Dispatcher) publishError(brokerID string, sig Signal, msg string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(notify.Event{
		Type:    notify.EventError,
		Broker:  brokerID,
		Symbol:  sig.Symbol,
		Message: msg,
	})
}

// SignalGap draws the pause enforced between consecutive signals, from
// the same configured window as the inter-account delay.
func (d *Dispatcher) SignalGap() time.Duration {
	minDelay, maxDelay := d.store.Get().DelayWindow()
	return randomDelay(minDelay, maxDelay)
}

// randomDelay draws uniformly from [min, max].
func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}
