// Package observability hosts the Prometheus collector registries shared by
// the daemon's components.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RebalancerMetrics captures instrumentation for the rebalance engine.
type RebalancerMetrics struct {
	ticks         *prometheus.CounterVec
	operations    *prometheus.CounterVec
	adapterErrors *prometheus.CounterVec
	slippage      *prometheus.CounterVec
	callbacks     *prometheus.HistogramVec
	expired       *prometheus.CounterVec
}

var (
	rebalancerOnce sync.Once
	rebalancerReg  *RebalancerMetrics
)

// Rebalancer returns the lazily-initialised rebalancer metrics registry.
func Rebalancer() *RebalancerMetrics {
	rebalancerOnce.Do(func() {
		rebalancerReg = &RebalancerMetrics{
			ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "markd",
				Subsystem: "rebalancer",
				Name:      "ticks_total",
				Help:      "Orchestrator ticks segmented by outcome.",
			}, []string{"outcome"}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "markd",
				Subsystem: "rebalancer",
				Name:      "operations_total",
				Help:      "Rebalance operations created, segmented by bridge and origin chain.",
			}, []string{"bridge", "origin"}),
			adapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "markd",
				Subsystem: "rebalancer",
				Name:      "adapter_errors_total",
				Help:      "Bridge adapter failures segmented by bridge and call.",
			}, []string{"bridge", "call"}),
			slippage: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "markd",
				Subsystem: "rebalancer",
				Name:      "slippage_rejections_total",
				Help:      "Quotes rejected for exceeding the route slippage tolerance.",
			}, []string{"bridge"}),
			callbacks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "markd",
				Subsystem: "rebalancer",
				Name:      "callback_duration_seconds",
				Help:      "Latency distribution of destination callback processing.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"bridge"}),
			expired: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "markd",
				Subsystem: "rebalancer",
				Name:      "expired_total",
				Help:      "Entities expired by the sweeper, segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			rebalancerReg.ticks,
			rebalancerReg.operations,
			rebalancerReg.adapterErrors,
			rebalancerReg.slippage,
			rebalancerReg.callbacks,
			rebalancerReg.expired,
		)
	})
	return rebalancerReg
}

// RecordTick counts a completed tick. Outcome should be a stable string such
// as "ok", "paused", or "error".
func (m *RebalancerMetrics) RecordTick(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.ticks.WithLabelValues(outcome).Inc()
}

// RecordOperation counts a newly created rebalance operation.
func (m *RebalancerMetrics) RecordOperation(bridge string, origin string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(labelOr(bridge, "unknown"), labelOr(origin, "unknown")).Inc()
}

// RecordAdapterError counts a failed adapter call. Call should name the
// adapter method, e.g. "quote" or "send".
func (m *RebalancerMetrics) RecordAdapterError(bridge string, call string) {
	if m == nil {
		return
	}
	m.adapterErrors.WithLabelValues(labelOr(bridge, "unknown"), labelOr(call, "unknown")).Inc()
}

// RecordSlippageRejection counts a quote that failed the tolerance gate.
func (m *RebalancerMetrics) RecordSlippageRejection(bridge string) {
	if m == nil {
		return
	}
	m.slippage.WithLabelValues(labelOr(bridge, "unknown")).Inc()
}

// ObserveCallback records the duration of one callback-engine pass over an
// operation.
func (m *RebalancerMetrics) ObserveCallback(bridge string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(labelOr(bridge, "unknown")).Observe(duration.Seconds())
}

// RecordExpired counts sweeper expirations. Kind is "earmark" or "operation".
func (m *RebalancerMetrics) RecordExpired(kind string) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues(labelOr(kind, "unknown")).Inc()
}

func labelOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
