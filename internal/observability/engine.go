package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics exposes the revenue engine counters. A nil receiver records nothing.
type EngineMetrics struct {
	events          *prometheus.CounterVec
	sspDefaults     prometheus.Counter
	zeroSSP         prometheus.Counter
	invariantErrors *prometheus.CounterVec
	catchups        *prometheus.CounterVec
	sweepUnbilled   *prometheus.GaugeVec
	postedRows      prometheus.Counter
}

// NewEngineMetrics registers the engine collectors against registerer.
func NewEngineMetrics(registerer prometheus.Registerer) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &EngineMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revrec_source_events_total",
			Help: "Source events processed, partitioned by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		sspDefaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revrec_ssp_default_total",
			Help: "SSP lookups that fell back to the configured default.",
		}),
		zeroSSP: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revrec_allocation_skipped_total",
			Help: "Allocation passes skipped because the total SSP of the contract was zero.",
		}),
		invariantErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revrec_invariant_violations_total",
			Help: "Invariant violations detected by the engine.",
		}, []string{"kind"}),
		catchups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revrec_catchup_adjustments_total",
			Help: "Catch-up adjustments written on contract modification, by sign.",
		}, []string{"sign"}),
		sweepUnbilled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "revrec_sweep_unbilled_amount",
			Help: "Net unbilled amount reported by the last sweep of a ledger.",
		}, []string{"ledger"}),
		postedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "revrec_sweep_posted_rows_total",
			Help: "Pending schedule rows posted by period close sweeps.",
		}),
	}
	registerer.MustRegister(m.events, m.sspDefaults, m.zeroSSP, m.invariantErrors, m.catchups, m.sweepUnbilled, m.postedRows)
	return m
}

// EventProcessed counts a processed source event.
func (m *EngineMetrics) EventProcessed(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

// SSPDefaulted counts an SSP miss.
func (m *EngineMetrics) SSPDefaulted() {
	if m == nil {
		return
	}
	m.sspDefaults.Inc()
}

// AllocationSkipped counts a zero total SSP allocation pass.
func (m *EngineMetrics) AllocationSkipped() {
	if m == nil {
		return
	}
	m.zeroSSP.Inc()
}

// InvariantViolated counts a fatal invariant breach.
func (m *EngineMetrics) InvariantViolated(kind string) {
	if m == nil {
		return
	}
	m.invariantErrors.WithLabelValues(kind).Inc()
}

// CatchupWritten counts a catch-up row by the sign of its amount.
func (m *EngineMetrics) CatchupWritten(negative bool) {
	if m == nil {
		return
	}
	sign := "positive"
	if negative {
		sign = "negative"
	}
	m.catchups.WithLabelValues(sign).Inc()
}

// SweepCompleted records the outcome of a period close sweep.
func (m *EngineMetrics) SweepCompleted(ledger string, unbilled float64, posted int64) {
	if m == nil {
		return
	}
	m.sweepUnbilled.WithLabelValues(ledger).Set(unbilled)
	if posted > 0 {
		m.postedRows.Add(float64(posted))
	}
}
