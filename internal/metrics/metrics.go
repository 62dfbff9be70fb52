// Package metrics defines the Prometheus collectors exposed on /metrics.
// Collectors are created against an explicit Registerer (not the package
// default) so tests can register fresh instances without collisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all relay collectors. Created once in main and handed to
// the components that update them.
type Metrics struct {
	// Connections is the number of live websocket connections.
	Connections prometheus.Gauge

	// Rooms is the number of family rooms with at least one member.
	Rooms prometheus.Gauge

	// Messages counts chat messages accepted for broadcast.
	Messages prometheus.Counter

	// TypingEvents counts typing indicator events relayed to peers.
	TypingEvents prometheus.Counter

	// DroppedDeliveries counts per-peer deliveries dropped because the
	// peer's send buffer was full. Best-effort fan-out: a slow peer is
	// disconnected rather than allowed to stall the room.
	DroppedDeliveries prometheus.Counter
}

// New creates and registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of live websocket connections.",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms",
			Help: "Number of family rooms with at least one online member.",
		}),
		Messages: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Chat messages accepted and broadcast to a room.",
		}),
		TypingEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_typing_events_total",
			Help: "Typing indicator events relayed to room peers.",
		}),
		DroppedDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_dropped_deliveries_total",
			Help: "Per-peer deliveries dropped due to a full send buffer.",
		}),
	}
}
