package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "busguard"

// Metrics records per-topic outcomes as Prometheus series.
type Metrics struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the engine's collectors with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_total",
			Help:      "Inbound messages by topic and validation outcome.",
		}, []string{"topic", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "processing_duration_seconds",
			Help:      "Time from receipt to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{m.messages, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe implements Recorder.
func (m *Metrics) Observe(topic string, outcome Outcome, duration time.Duration) {
	m.messages.WithLabelValues(topic, string(outcome)).Inc()
	m.duration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}
