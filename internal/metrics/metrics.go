// Package metrics declares the broker's Prometheus metrics.
//
// Naming convention: namespace_subsystem_name
//   - namespace: collab_broker (application-level grouping)
//   - subsystem: channel, room, protocol, relay, credentials (feature-level grouping)
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveChannels tracks the number of currently open peer channels.
	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "channel",
		Name:      "active",
		Help:      "Current number of open peer channels",
	})

	// ActiveRooms tracks the number of rooms currently registered with the room manager.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of active rooms",
	})

	// RoomPeers tracks peer count per room.
	RoomPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "room",
		Name:      "peers",
		Help:      "Number of peers in each room",
	}, []string{"room_id"})

	// EnvelopesTotal tracks envelopes processed by kind and outcome.
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_broker",
		Subsystem: "protocol",
		Name:      "envelopes_total",
		Help:      "Total envelopes processed, by kind and outcome",
	}, []string{"kind", "outcome"})

	// RelayRequestDuration tracks relay request round-trip latency.
	RelayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab_broker",
		Subsystem: "relay",
		Name:      "request_duration_seconds",
		Help:      "Time from sendRequest to settlement",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	// RelayPendingRequests tracks the current size of the relay's pending table.
	RelayPendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "relay",
		Name:      "pending_requests",
		Help:      "Current number of unsettled relayed requests",
	})

	// CircuitBreakerState mirrors the relay's per-host circuit breaker state.
	// 0: Closed (healthy), 1: Open (failing fast), 2: Half-Open (recovering).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_broker",
		Subsystem: "relay",
		Name:      "circuit_breaker_state",
		Help:      "Current state of the per-host request circuit breaker",
	}, []string{"host_id"})

	// CredentialsIssued tracks tokens issued by kind (user, room-host, room-guest).
	CredentialsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_broker",
		Subsystem: "credentials",
		Name:      "issued_total",
		Help:      "Total tokens issued, by kind",
	}, []string{"kind"})

	// CredentialsRejected tracks verification failures by reason.
	CredentialsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_broker",
		Subsystem: "credentials",
		Name:      "rejected_total",
		Help:      "Total credential verification failures, by reason",
	}, []string{"reason"})
)
