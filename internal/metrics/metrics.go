// Package metrics exposes Prometheus instrumentation for the signal
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalsReceived counts webhook signals by intake outcome.
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefan_signals_received_total",
		Help: "Webhook signals received, by intake outcome.",
	}, []string{"outcome"}) // accepted | rejected | unauthorized

	// QueueDepth tracks signals waiting in the sequencer.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradefan_queue_depth",
		Help: "Signals queued for dispatch.",
	})

	// OrdersPlaced counts successful order submissions per account.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefan_orders_placed_total",
		Help: "Orders successfully placed, per broker account.",
	}, []string{"broker"})

	// OrdersFailed counts rejected or failed submissions per account.
	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefan_orders_failed_total",
		Help: "Order submissions that failed, per broker account.",
	}, []string{"broker"})

	// OrdersExpired counts orders retracted by the expiry sweep.
	OrdersExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefan_orders_expired_total",
		Help: "Pending orders cancelled after exceeding their bar timeout.",
	}, []string{"broker"})

	// FilterRejections counts pre-trade filter outcomes by reason.
	FilterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradefan_filter_rejections_total",
		Help: "Signals skipped by the pre-trade filter, per reason.",
	}, []string{"broker", "reason"})

	// DispatchDuration observes end-to-end fan-out time per signal.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradefan_dispatch_duration_seconds",
		Help:    "Time to fan one signal out to all accounts.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)
