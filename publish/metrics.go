package publish

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "daarion_publish"

// Metrics collects per-run transaction and step statistics. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	txSentTotal   prometheus.Counter
	txResultTotal *prometheus.CounterVec
	callsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepFailures  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		txSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_sent_total",
			Help:      "Signed transactions submitted to the network.",
		}),
		txResultTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transactions_confirmed_total",
			Help:      "Confirmed transactions by receipt status.",
		}, []string{"status"}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "contract_calls_total",
			Help:      "Pipeline transactions by kind and contract.",
		}, []string{"kind", "contract"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of each pipeline step.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "step_failures_total",
			Help:      "Pipeline steps that aborted the run.",
		}, []string{"step"}),
	}
	m.registry.MustRegister(m.txSentTotal, m.txResultTotal, m.callsTotal, m.stepDuration, m.stepFailures)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) txSent() {
	if m == nil {
		return
	}
	m.txSentTotal.Inc()
}

func (m *Metrics) txConfirmed(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "reverted"
	}
	m.txResultTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveCall(kind, contract string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(kind, contract).Inc()
}

func (m *Metrics) ObserveStep(step string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
	if err != nil {
		m.stepFailures.WithLabelValues(step).Inc()
	}
}
