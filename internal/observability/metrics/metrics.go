// Package metrics exposes prometheus instruments for the billing engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics captures metering and billing health signals.
type EngineMetrics struct {
	eventsIngested  *prometheus.CounterVec
	lateEvents      *prometheus.CounterVec
	rollups         *prometheus.CounterVec
	transactions    *prometheus.CounterVec
	invoiceStates   *prometheus.CounterVec
	limitCrossings  *prometheus.CounterVec
	integrityErrors prometheus.Counter
	jobDuration     *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func newEngineMetrics(registerer prometheus.Registerer) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &EngineMetrics{
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_usage_events_total",
			Help: "Usage events accepted by the ledger.",
		}, []string{"source"}),
		lateEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_late_events_total",
			Help: "Events routed to the late channel instead of a bucket.",
		}, []string{"reason"}),
		rollups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_rollups_total",
			Help: "Aggregate roll-up boundaries completed.",
		}, []string{"level"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_transactions_total",
			Help: "Transactions appended to the ledger.",
		}, []string{"source", "kind"}),
		invoiceStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_invoice_transitions_total",
			Help: "Invoice state machine transitions.",
		}, []string{"from", "to"}),
		limitCrossings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meterbill_limit_crossings_total",
			Help: "Soft and hard limit crossings raised.",
		}, []string{"limit"}),
		integrityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meterbill_integrity_errors_total",
			Help: "Fatal invoice integrity mismatches.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meterbill_job_duration_seconds",
			Help:    "Scheduled job durations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}

	for _, collector := range []prometheus.Collector{
		m.eventsIngested, m.lateEvents, m.rollups, m.transactions,
		m.invoiceStates, m.limitCrossings, m.integrityErrors, m.jobDuration,
	} {
		if err := registerer.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				_ = already
				continue
			}
		}
	}

	return m
}

func (m *EngineMetrics) IncEventIngested(source string) {
	m.eventsIngested.WithLabelValues(source).Inc()
}

func (m *EngineMetrics) IncLateEvent(reason string) {
	m.lateEvents.WithLabelValues(reason).Inc()
}

func (m *EngineMetrics) IncRollup(level string) {
	m.rollups.WithLabelValues(level).Inc()
}

func (m *EngineMetrics) IncTransaction(source, kind string) {
	m.transactions.WithLabelValues(source, kind).Inc()
}

func (m *EngineMetrics) IncInvoiceTransition(from, to string) {
	m.invoiceStates.WithLabelValues(from, to).Inc()
}

func (m *EngineMetrics) IncLimitCrossing(limit string) {
	m.limitCrossings.WithLabelValues(limit).Inc()
}

func (m *EngineMetrics) IncIntegrityError() {
	m.integrityErrors.Inc()
}

func (m *EngineMetrics) ObserveJobDuration(job string, seconds float64) {
	m.jobDuration.WithLabelValues(job).Observe(seconds)
}
