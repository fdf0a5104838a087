package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the transfer core.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration  *prometheus.HistogramVec
	transfersTotal     *prometheus.CounterVec
	railCalls          *prometheus.CounterVec
	externalErrors     *prometheus.CounterVec
	scheduledRuns      *prometheus.CounterVec
	splitBillPayments  *prometheus.CounterVec
	archivedTotal      prometheus.Counter
	archivalRuns       *prometheus.CounterVec
	eventPublishErrors *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_core_operation_duration_seconds",
				Help:    "Duration of service operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_core_transfers_total",
				Help: "Transfers initiated by type and resulting status.",
			},
			[]string{"type", "status"},
		),
		railCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_core_rail_calls_total",
				Help: "Synchronous rail submissions by rail and outcome.",
			},
			[]string{"rail", "outcome"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_core_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		scheduledRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_core_scheduled_executions_total",
				Help: "Scheduled transfer executions by outcome.",
			},
			[]string{"outcome"},
		),
		splitBillPayments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_core_split_bill_payments_total",
				Help: "Split bill payments by resulting participant status.",
			},
			[]string{"status"},
		),
		archivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "transfer_core_archived_transactions_total",
				Help: "Transactions moved into the retention archive.",
			},
		),
		archivalRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_core_archival_runs_total",
				Help: "Archival runs by result status.",
			},
			[]string{"status"},
		),
		eventPublishErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_core_event_publish_errors_total",
				Help: "Domain events that could not be published.",
			},
			[]string{"event_type"},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrTransfer counts a transfer outcome.
func (m *Metrics) IncrTransfer(txType, status string) {
	m.transfersTotal.WithLabelValues(txType, status).Inc()
}

// IncrRailCall counts a rail submission outcome (ok, error, timeout).
func (m *Metrics) IncrRailCall(rail, outcome string) {
	m.railCalls.WithLabelValues(rail, outcome).Inc()
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrScheduledRun counts a scheduled execution outcome (executed, completed, failed).
func (m *Metrics) IncrScheduledRun(outcome string) {
	m.scheduledRuns.WithLabelValues(outcome).Inc()
}

// IncrSplitBillPayment counts a split bill payment.
func (m *Metrics) IncrSplitBillPayment(status string) {
	m.splitBillPayments.WithLabelValues(status).Inc()
}

// AddArchived adds n archived transactions.
func (m *Metrics) AddArchived(n int) {
	m.archivedTotal.Add(float64(n))
}

// IncrArchivalRun counts an archival run by result status.
func (m *Metrics) IncrArchivalRun(status string) {
	m.archivalRuns.WithLabelValues(status).Inc()
}

// IncrEventPublishError counts a dropped domain event.
func (m *Metrics) IncrEventPublishError(eventType string) {
	m.eventPublishErrors.WithLabelValues(eventType).Inc()
}

// Stats is a point-in-time view of the job counters, served on /internal/stats.
type Stats struct {
	ScheduledExecuted  int64 `json:"scheduledExecuted"`
	ScheduledCompleted int64 `json:"scheduledCompleted"`
	ScheduledFailed    int64 `json:"scheduledFailed"`
	ArchivedTotal      int64 `json:"archivedTotal"`
	ArchivalRuns       int64 `json:"archivalRuns"`
	RailTimeouts       int64 `json:"railTimeouts"`
}

// Snapshot reads the cumulative job counters.
func (m *Metrics) Snapshot() *Stats {
	archivalRuns := int64(0)
	for _, status := range []string{"COMPLETED", "NO_TRANSACTIONS", "DISABLED", "ALREADY_RUNNING", "ERROR"} {
		archivalRuns += int64(getCounterValue(m.archivalRuns.WithLabelValues(status)))
	}

	return &Stats{
		ScheduledExecuted:  int64(getCounterValue(m.scheduledRuns.WithLabelValues("executed"))),
		ScheduledCompleted: int64(getCounterValue(m.scheduledRuns.WithLabelValues("completed"))),
		ScheduledFailed:    int64(getCounterValue(m.scheduledRuns.WithLabelValues("failed"))),
		ArchivedTotal:      int64(getCounterValue(m.archivedTotal)),
		ArchivalRuns:       archivalRuns,
		RailTimeouts:       int64(getCounterValue(m.railCalls.WithLabelValues("BIFAST", "timeout"))),
	}
}

// getCounterValue extracts the current float64 value from a counter.
func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
