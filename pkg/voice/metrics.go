package voice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	sessions     prometheus.Gauge
	negotiations *prometheus.CounterVec
	stale        *prometheus.CounterVec
	dropped      prometheus.Counter
}

// NewMetrics makes voice mesh metrics.
// With nil registerer metrics are collected but never exposed.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemesh",
			Subsystem: "voice",
			Name:      "sessions",
			Help:      "Number of open peer sessions.",
		}),
		negotiations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "voice",
			Name:      "negotiations_total",
			Help:      "Finished peer negotiations by result.",
		}, []string{"result"}),
		stale: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "voice",
			Name:      "stale_messages_total",
			Help:      "Discarded signaling messages by type.",
		}, []string{"type"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "voice",
			Name:      "dropped_candidates_total",
			Help:      "Early remote candidates dropped because of the queue limit.",
		}),
	}
}
