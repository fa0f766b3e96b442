package vault

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values other than lower-cased error codes.
const outcomeSuccess = "success"

// Metrics holds the vault's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	credentials prometheus.Gauge
	auditSize   prometheus.Gauge
}

// NewMetrics registers vault metrics on prometheus.DefaultRegisterer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates vault metrics on a custom registerer.
// Registration errors (duplicate collectors) are ignored.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "credvault"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Total number of vault operations by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		credentials: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "credentials",
				Help:      "Number of credentials currently stored",
			},
		),
		auditSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "vault",
				Name:      "audit_entries",
				Help:      "Number of retained audit log entries",
			},
		),
	}

	_ = registerer.Register(m.operations)
	_ = registerer.Register(m.credentials)
	_ = registerer.Register(m.auditSize)
	return m
}

func (m *Metrics) observe(action, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) setCredentials(n int) {
	if m == nil {
		return
	}
	m.credentials.Set(float64(n))
}

func (m *Metrics) setAuditSize(n int) {
	if m == nil {
		return
	}
	m.auditSize.Set(float64(n))
}
