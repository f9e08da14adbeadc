package streamrpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects per-method call statistics for a Dispatcher. A nil
// *Metrics records nothing.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	messages *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. It panics if they are
// already registered there.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamrpc",
				Subsystem: "server",
				Name:      "calls_total",
				Help:      "Calls handled, by method, call shape and result code.",
			},
			[]string{"service", "method", "shape", "code"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streamrpc",
				Subsystem: "server",
				Name:      "call_duration_seconds",
				Help:      "Time from dispatch to the end of the call.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"service", "method"},
		),
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamrpc",
				Subsystem: "server",
				Name:      "messages_total",
				Help:      "Messages read from and written to calls.",
			},
			[]string{"service", "method", "direction"},
		),
	}
}

func (m *Metrics) observeCall(info CallInfo, shape CallShape, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(info.Service, info.Method, shape.String(), Code(err).String()).Inc()
	m.duration.WithLabelValues(info.Service, info.Method).Observe(elapsed.Seconds())
}

func (m *Metrics) observeMessage(info CallInfo, direction string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(info.Service, info.Method, direction).Inc()
}
