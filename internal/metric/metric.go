// Package metric exposes Prometheus collectors for the stream engine.
package metric

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics reports stream ingestion and fan-out activity.
type Metrics struct {
	FramesReceived      *prometheus.CounterVec
	DecodeFailures      prometheus.Counter
	Reconnects          *prometheus.CounterVec
	ProtocolViolations  prometheus.Counter
	ActiveNotifications prometheus.Gauge
	UpdatesFannedOut    prometheus.Counter
	DroppedDeliveries   prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the package-level instance registered with the global
// registry. Created once so repeated engine construction (tests, multiple
// dispatchers) does not panic on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs and registers the collectors. Registration errors panic,
// matching promauto semantics; pass a fresh registry in tests that need
// isolated values.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_feed",
			Name:      "frames_received_total",
			Help:      "Raw frames delivered by the transport.",
		}, []string{"transport"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_feed",
			Name:      "decode_failures_total",
			Help:      "Frames dropped because they could not be decoded.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_feed",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a lost connection.",
		}, []string{"transport"}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_feed",
			Name:      "protocol_violations_total",
			Help:      "Events discarded because their session was already terminal.",
		}),
		ActiveNotifications: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_feed",
			Name:      "notifications_active",
			Help:      "Notification items currently active or exiting.",
		}),
		UpdatesFannedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_feed",
			Name:      "updates_fanned_out_total",
			Help:      "Updates delivered to subscriber channels.",
		}),
		DroppedDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_feed",
			Name:      "dropped_deliveries_total",
			Help:      "Updates dropped because a subscriber buffer was full.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.FramesReceived, m.DecodeFailures, m.Reconnects, m.ProtocolViolations,
		m.ActiveNotifications, m.UpdatesFannedOut, m.DroppedDeliveries,
	} {
		if err := reg.Register(c); err != nil {
			panic(err)
		}
	}
	return m
}
