// Package reaper retracts pending orders that have outlived their candle
// budget. It is the expiry backstop for brokers without native
// good-till-date support, and a safety net behind those that have it.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/candles"
	"github.com/mlecomte/tradefan/internal/catalog"
	"github.com/mlecomte/tradefan/internal/config"
	"github.com/mlecomte/tradefan/internal/metrics"
	"github.com/mlecomte/tradefan/internal/notify"
)

// Reaper periodically sweeps every account's pending orders.
type Reaper struct {
	store    *config.Store
	registry *broker.Registry
	catalog  *catalog.Catalog
	bus      *notify.Bus
	logger   *logrus.Logger

	now func() time.Time
}

// New builds a reaper over the broker registry.
func New(store *config.Store, registry *broker.Registry, cat *catalog.Catalog, bus *notify.Bus, logger *logrus.Logger) *Reaper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reaper{
		store:    store,
		registry: registry,
		catalog:  cat,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. The first
// sweep happens one interval after start, not immediately, so a restart
// during a volatile period does not mass-cancel before sessions settle.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.store.Get().ReaperInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep examines every pending order on every account once and cancels
// the expired ones. Returns the number of orders cancelled. Failures are
// per-order: one broken cancel never stops the rest of the sweep.
func (r *Reaper) Sweep(ctx context.Context) int {
	cfg := r.store.Get()
	now := r.now().UTC()
	cancelled := 0

	for id, b := range r.registry.All() {
		log := r.logger.WithField("broker", id)

		if !b.Connected() {
			log.Debug("skipping sweep, broker not connected")
			continue
		}
		pending, err := b.PendingOrders(ctx)
		if err != nil {
			log.WithError(err).Warn("pending order list unavailable, skipping sweep")
			continue
		}

		for i := range pending {
			if r.expireOne(ctx, cfg, b, &pending[i], now) {
				cancelled++
			}
		}
	}
	return cancelled
}

// expireOne evaluates and, when due, cancels a single order.
func (r *Reaper) expireOne(ctx context.Context, cfg *config.Config, b broker.Broker, o *broker.PendingOrder, now time.Time) bool {
	log := r.logger.WithFields(logrus.Fields{
		"broker": b.ID(),
		"order":  o.ID,
		"symbol": o.Symbol,
	})

	// No authoritative creation time means the age is unknown; cancelling
	// on a guess could kill a fresh order, so never do it.
	if !o.AgeKnown() {
		log.Debug("order age unknown, leaving in place")
		return false
	}

	calc := candles.New(r.catalog.CandleParams(o.Symbol))
	closed := calc.ClosedBarsSince(o.CreatedAt, now, cfg.General.TimeframeMinutes)
	if closed < cfg.General.OrderTimeoutBars {
		return false
	}

	res, err := b.CancelOrder(ctx, o.ID)
	if err != nil {
		log.WithError(err).Warn("expiry cancel failed")
		r.publishError(b.ID(), o, fmt.Sprintf("expiry cancel of order %s failed: %v", o.ID, err))
		return false
	}
	if !res.Success {
		log.WithField("message", res.Message).Warn("expiry cancel rejected")
		r.publishError(b.ID(), o, fmt.Sprintf("expiry cancel of order %s rejected: %s", o.ID, res.Message))
		return false
	}

	metrics.OrdersExpired.WithLabelValues(b.ID()).Inc()
	log.WithFields(logrus.Fields{
		"closed_bars": closed,
		"age":         now.Sub(o.CreatedAt).Round(time.Minute).String(),
	}).Info("expired order cancelled")

	if r.bus != nil {
		r.bus.Publish(notify.Event{
			Type:    notify.EventOrderExpired,
			Broker:  b.ID(),
			Symbol:  o.Symbol,
			Message: fmt.Sprintf("order %s cancelled after %d closed bars", o.ID, closed),
		})
	}
	return true
}

func (r *Reaper) publishError(brokerID string, o *broker.PendingOrder, msg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(notify.Event{
		Type:    notify.EventError,
		Broker:  brokerID,
		Symbol:  o.Symbol,
		Message: msg,
	})
}
