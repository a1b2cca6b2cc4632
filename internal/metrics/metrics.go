// Package metrics exposes Prometheus collectors for the Hub, grounded on
// ws/internal/shared/monitoring's Prometheus usage and go-server/internal/metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsehub_connections_total",
		Help: "Total WebSocket connections accepted.",
	})

	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsehub_connections_current",
		Help: "Currently live WebSocket connections.",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsehub_connections_rejected_total",
		Help: "Connections rejected at handshake (auth failure, upgrade failure).",
	})

	MessagesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsehub_messages_broadcast_total",
		Help: "Successful per-subscriber broadcast sends.",
	})

	BroadcastFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsehub_broadcast_failures_total",
		Help: "Per-subscriber broadcast sends that timed out or errored, by channel.",
	}, []string{"channel"})

	SlowClientsDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pulsehub_slow_clients_disconnected_total",
		Help: "Clients disconnected for failing to drain their send queue in time.",
	})

	BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsehub_batch_flushes_total",
		Help: "Batcher flush attempts, by outcome (success/failure).",
	}, []string{"outcome"})
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
