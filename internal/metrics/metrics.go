// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

// LedgerOperations counts committed ledger entries by kind.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opendrama",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Committed ledger entries by kind.",
}, []string{"kind"})

// LedgerCoins sums coins moved by kind.
var LedgerCoins = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opendrama",
	Subsystem: "ledger",
	Name:      "coins_total",
	Help:      "Coins moved by ledger entry kind.",
}, []string{"kind"})

// InsufficientBalance counts reservations and deductions refused for lack of funds.
var InsufficientBalance = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opendrama",
	Subsystem: "ledger",
	Name:      "insufficient_balance_total",
	Help:      "Reservations or direct deductions refused for insufficient spendable balance.",
}, []string{"operation"})

// InvariantViolations counts clamps and replay mismatches.
var InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opendrama",
	Subsystem: "ledger",
	Name:      "invariant_violations_total",
	Help:      "Detected ledger invariant violations (clamped confirms, replay mismatches).",
}, []string{"check"})

// ─── Segments ───────────────────────────────────────────────────────────────

// SegmentTransitions counts segment status changes by target status.
var SegmentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opendrama",
	Subsystem: "segments",
	Name:      "transitions_total",
	Help:      "Segment status transitions by target status.",
}, []string{"status"})

// SegmentsInFlight tracks segments currently held by the provider.
var SegmentsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "opendrama",
	Subsystem: "segments",
	Name:      "in_flight",
	Help:      "Segments in submitted or generating state at the last reconciler tick.",
})

// SegmentFailures counts segment failures by classified kind.
var SegmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opendrama",
	Subsystem: "segments",
	Name:      "failures_total",
	Help:      "Segment failures by error kind.",
}, []string{"kind"})

// ─── Provider ───────────────────────────────────────────────────────────────

// ProviderRequests counts provider calls by operation and outcome.
var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opendrama",
	Subsystem: "provider",
	Name:      "requests_total",
	Help:      "Provider API calls by operation and outcome.",
}, []string{"operation", "outcome"})

// ProviderLatency observes provider call latency.
var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "opendrama",
	Subsystem: "provider",
	Name:      "request_duration_seconds",
	Help:      "Provider API call latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

// FrameExtractions counts last-frame extractions by outcome.
var FrameExtractions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opendrama",
	Subsystem: "frames",
	Name:      "extractions_total",
	Help:      "Last-frame extractions by outcome.",
}, []string{"outcome"})

// ObserveProvider records one provider call.
func ObserveProvider(operation string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ProviderRequests.WithLabelValues(operation, outcome).Inc()
	ProviderLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// FeatureRuns counts flat-rate feature invocations by outcome.
var FeatureRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opendrama",
	Subsystem: "features",
	Name:      "runs_total",
	Help:      "Flat-rate feature runs by feature and outcome.",
}, []string{"feature", "outcome"})
