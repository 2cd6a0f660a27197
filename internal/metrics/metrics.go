// Package metrics holds the Prometheus instruments of the voice server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voice"

type Metrics struct {
	Rooms        prometheus.Gauge
	Participants prometheus.Gauge
	Transports   *prometheus.GaugeVec
	Producers    *prometheus.GaugeVec
	Consumers    prometheus.Gauge

	TransportStates *prometheus.CounterVec
	ForcedCloses    *prometheus.CounterVec

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DroppedEvents   prometheus.Counter

	Bitrate *prometheus.GaugeVec
}

// New registers every instrument in reg. Nil reg means a private registry,
// which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Voice runtimes currently alive",
		}),
		Participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants across all runtimes",
		}),
		Transports: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transports",
			Help:      "Open transports by direction",
		}, []string{"direction"}),
		Producers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "producers",
			Help:      "Live producers by semantic kind",
		}, []string{"kind"}),
		Consumers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumers",
			Help:      "Live consumers",
		}),
		TransportStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_state_transitions_total",
			Help:      "Observed transport state transitions",
		}, []string{"state"}),
		ForcedCloses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_forced_closes_total",
			Help:      "Transports closed by the health monitor",
		}, []string{"reason"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Protocol requests by method and result",
		}, []string{"method", "result"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Protocol request latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"method"}),
		DroppedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Events that could not be queued to a slow connection",
		}),
		Bitrate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bitrate_bps",
			Help:      "Smoothed media bitrate by channel and direction",
		}, []string{"channel", "direction"}),
	}
}
