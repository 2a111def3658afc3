package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	rooms        prometheus.Gauge
	participants prometheus.Gauge
	forwarded    *prometheus.CounterVec
	rejected     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Number of open rooms.",
		}),
		participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "participants",
			Help:      "Number of connected participants.",
		}),
		forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "forwarded_total",
			Help:      "Forwarded peer packets by type.",
		}, []string{"type"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicemesh",
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Packets that couldn't be handled, by reason.",
		}, []string{"reason"}),
	}
}
