// Package metrics holds the prometheus collectors of the APB server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "apb"

// Metrics is passed to every component that reports.  All methods are safe
// for concurrent use.
type Metrics struct {
	decisionsTotal     *prometheus.CounterVec
	rejectedTotal      *prometheus.CounterVec
	decisionDuration   prometheus.Histogram
	doorDispatchTotal  *prometheus.CounterVec
	doorJobsTotal      *prometheus.CounterVec
	auditQueueDepth    prometheus.Gauge
	auditFailuresTotal prometheus.Counter
	auditLostTotal     prometheus.Counter
	storeRetriesTotal  prometheus.Counter
	resetUsersTotal    prometheus.Counter
	resetRunsTotal     *prometheus.CounterVec
}

// New registers the collectors on registerer.  A nil registerer gets a
// private registry, which is what tests want.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "decisions_total",
		},
		[]string{"status_code", "terminal_role"},
	)
	registerer.MustRegister(decisionsTotal)

	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rejected_total",
		},
		[]string{"reason"},
	)
	registerer.MustRegister(rejectedTotal)

	decisionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "decision_duration_seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	registerer.MustRegister(decisionDuration)

	doorDispatchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "door",
			Name:      "dispatch_total",
		},
		[]string{"result"},
	)
	registerer.MustRegister(doorDispatchTotal)

	doorJobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "door",
			Name:      "jobs_total",
		},
		[]string{"terminal_id", "result"},
	)
	registerer.MustRegister(doorJobsTotal)

	auditQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "audit", Name: "queue_depth",
	})
	registerer.MustRegister(auditQueueDepth)

	auditFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "audit", Name: "write_failures_total",
	})
	registerer.MustRegister(auditFailuresTotal)

	auditLostTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "audit", Name: "records_lost_total",
	})
	registerer.MustRegister(auditLostTotal)

	storeRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "store", Name: "retries_total",
	})
	registerer.MustRegister(storeRetriesTotal)

	resetUsersTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "reset", Name: "users_total",
	})
	registerer.MustRegister(resetUsersTotal)

	resetRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reset",
			Name:      "runs_total",
		},
		[]string{"trigger", "result"},
	)
	registerer.MustRegister(resetRunsTotal)

	return &Metrics{
		decisionsTotal:     decisionsTotal,
		rejectedTotal:      rejectedTotal,
		decisionDuration:   decisionDuration,
		doorDispatchTotal:  doorDispatchTotal,
		doorJobsTotal:      doorJobsTotal,
		auditQueueDepth:    auditQueueDepth,
		auditFailuresTotal: auditFailuresTotal,
		auditLostTotal:     auditLostTotal,
		storeRetriesTotal:  storeRetriesTotal,
		resetUsersTotal:    resetUsersTotal,
		resetRunsTotal:     resetRunsTotal,
	}
}

func (m *Metrics) Decision(status, role string, took time.Duration) {
	m.decisionsTotal.WithLabelValues(status, role).Inc()
	m.decisionDuration.Observe(took.Seconds())
}

// Rejected counts events that never reached the engine.
func (m *Metrics) Rejected(reason string) {
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) DoorDispatch(result string) {
	m.doorDispatchTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) DoorJob(terminalID string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.doorJobsTotal.WithLabelValues(terminalID, result).Inc()
}

func (m *Metrics) AuditQueueDepth(n int) { m.auditQueueDepth.Set(float64(n)) }
func (m *Metrics) AuditWriteFailed()     { m.auditFailuresTotal.Inc() }
func (m *Metrics) AuditRecordLost()      { m.auditLostTotal.Inc() }
func (m *Metrics) StoreRetry()           { m.storeRetriesTotal.Inc() }

// Reset records one reset run and the number of users it moved.
func (m *Metrics) Reset(trigger string, users int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.resetRunsTotal.WithLabelValues(trigger, result).Inc()
	m.resetUsersTotal.Add(float64(users))
}
