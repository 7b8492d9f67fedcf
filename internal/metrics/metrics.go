// ============================================================================
// batchkeeper metrics - Prometheus instruments
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Instruments:
//
//   1. Counters
//      - batchkeeper_submissions_total{outcome}        accepted | rejected | deferred
//      - batchkeeper_transitions_total{from,to}        every persisted edge
//      - batchkeeper_noop_events_total{reason}         already_applied | invalid_transition | ...
//      - batchkeeper_retrievals_total{completeness}    complete | partial
//      - batchkeeper_cleanup_failures_total
//      - batchkeeper_gateway_calls_total{op,outcome}   ok | transient | permanent
//
//   2. Histograms
//      - batchkeeper_gateway_call_duration_seconds{op}
//
//   3. Gauges
//      - batchkeeper_jobs{state}
//      - batchkeeper_recovery_duration_seconds
//
// Example queries:
//
//   # transient provider error rate
//   sum(rate(batchkeeper_gateway_calls_total{outcome="transient"}[5m]))
//     / sum(rate(batchkeeper_gateway_calls_total[5m]))
//
//   # jobs stuck waiting for retrieval
//   batchkeeper_jobs{state=~"processed|partially_processed"}
//
// A nil *Collector is valid and records nothing, so components can run
// without metrics in tests.
//
// ============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

const namespace = "batchkeeper"

// Collector holds every batchkeeper instrument.
type Collector struct {
	submissions     *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	noops           *prometheus.CounterVec
	retrievals      *prometheus.CounterVec
	cleanupFailures prometheus.Counter
	gatewayCalls    *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	jobsByState     *prometheus.GaugeVec
	recoveryTime    prometheus.Gauge
}

// NewCollector creates the instruments and registers them with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Batch submissions by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Persisted job state transitions.",
		}, []string{"from", "to"}),
		noops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "noop_events_total",
			Help:      "Events dropped without changing a job, by reason.",
		}, []string{"reason"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Result deliveries by completeness.",
		}, []string{"completeness"}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Cleanup rounds that exhausted their attempts.",
		}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Provider gateway calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Provider gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs currently in each state.",
		}, []string{"state"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of the last startup reconciliation scan.",
		}),
	}

	reg.MustRegister(
		c.submissions,
		c.transitions,
		c.noops,
		c.retrievals,
		c.cleanupFailures,
		c.gatewayCalls,
		c.gatewayLatency,
		c.jobsByState,
		c.recoveryTime,
	)
	return c
}

// RecordSubmission counts a submission attempt.
func (c *Collector) RecordSubmission(outcome string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(outcome).Inc()
}

// RecordTransition counts a persisted edge.
func (c *Collector) RecordTransition(from, to types.JobState) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordNoop counts an event that left the job unchanged.
func (c *Collector) RecordNoop(reason string) {
	if c == nil {
		return
	}
	c.noops.WithLabelValues(reason).Inc()
}

// RecordRetrieval counts a delivery.
func (c *Collector) RecordRetrieval(completeness types.Completeness) {
	if c == nil {
		return
	}
	c.retrievals.WithLabelValues(string(completeness)).Inc()
}

// RecordCleanupFailure counts an exhausted cleanup round.
func (c *Collector) RecordCleanupFailure() {
	if c == nil {
		return
	}
	c.cleanupFailures.Inc()
}

// ObserveGatewayCall records one provider call.
func (c *Collector) ObserveGatewayCall(op, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.gatewayCalls.WithLabelValues(op, outcome).Inc()
	c.gatewayLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetJobsByState overwrites the per-state gauge. States missing from
// counts are set to zero.
func (c *Collector) SetJobsByState(counts map[types.JobState]int) {
	if c == nil {
		return
	}
	for _, st := range types.AllStates {
		c.jobsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// SetRecoveryTime records how long the last reconciliation took.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}
