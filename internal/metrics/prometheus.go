// Package metrics registers the Prometheus metric set for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay engine.
type Metrics struct {
	// Connection metrics
	Connections  prometheus.Gauge
	LiveSessions prometheus.Gauge

	// Fanout metrics
	Broadcasts   *prometheus.CounterVec
	DroppedSends prometheus.Counter

	// Interaction metrics
	PollVotes       prometheus.Counter
	TempoVotes      prometheus.Counter
	DuplicateNonces prometheus.Counter
	Nacks           *prometheus.CounterVec
}

// New creates and registers all relay metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		Connections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Current number of open websocket connections",
		}),
		LiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_live_sessions",
			Help: "Current number of live sessions",
		}),
		Broadcasts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Total broadcasts fanned out, by message type",
		}, []string{"type"}),
		DroppedSends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_sends_total",
			Help: "Total frames dropped due to subscriber backpressure",
		}),
		PollVotes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_poll_votes_total",
			Help: "Total accepted poll ballots",
		}),
		TempoVotes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_tempo_votes_total",
			Help: "Total tempo votes recorded",
		}),
		DuplicateNonces: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_duplicate_nonces_total",
			Help: "Total messages suppressed by the nonce deduplicator",
		}),
		Nacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_nacks_total",
			Help: "Total nacks sent, by code",
		}, []string{"code"}),
	}
}
