package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the game server
//
// Naming convention: namespace_subsystem_name
// - namespace: lastsip (application-level grouping)
// - subsystem: websocket, room, game, ratelimit, redis (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, players)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lastsip",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ConnectionDuration tracks how long WebSocket connections stay open
	ConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lastsip",
		Subsystem: "websocket",
		Name:      "connection_duration_seconds",
		Help:      "Lifetime of closed WebSocket connections",
		Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600},
	})

	// MessagesReceived counts client frames by op (CounterVec - cumulative)
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "websocket",
		Name:      "messages_received_total",
		Help:      "Total client frames received, by op",
	}, []string{"op"})

	// MessagesSent counts server frames by op (CounterVec - cumulative)
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "websocket",
		Name:      "messages_sent_total",
		Help:      "Total server frames sent, by op",
	}, []string{"op"})

	// ProtocolErrors counts ERROR frames sent to clients, by code (CounterVec - cumulative)
	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "websocket",
		Name:      "errors_total",
		Help:      "Total protocol errors sent to clients, by code",
	}, []string{"code"})

	// MessageProcessingDuration tracks the time spent processing client frames (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lastsip",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing client frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lastsip",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the number of players in each room (GaugeVec with room_id label - current state per room)
	// Using Gauge instead of Histogram because we want current player count per room,
	// not distribution of historical counts
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lastsip",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of players in each room",
	}, []string{"room_id"})

	// GamesStarted counts games that left the lobby (Counter - cumulative)
	GamesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "game",
		Name:      "started_total",
		Help:      "Total games started",
	})

	// RoundsPlayed counts completed rounds (Counter - cumulative)
	RoundsPlayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "game",
		Name:      "rounds_total",
		Help:      "Total rounds completed",
	})

	// Eliminations counts player eliminations (Counter - cumulative)
	Eliminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "game",
		Name:      "eliminations_total",
		Help:      "Total player eliminations",
	})

	// TurnTimeouts counts turns resolved by the deadline instead of the player (Counter - cumulative)
	TurnTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "game",
		Name:      "turn_timeouts_total",
		Help:      "Total turns resolved by deadline expiry",
	})

	// RateLimitRequests counts requests that passed rate limiting (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against rate limits",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by rate limiting (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limits",
	}, []string{"endpoint", "limit_type"})

	// RedisOperationsTotal counts Redis operations by outcome (CounterVec - cumulative)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total Redis operations, by operation and status",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks Redis operation latency (HistogramVec - latency distribution)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lastsip",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Time spent on Redis operations",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	// CircuitBreakerState tracks breaker state per downstream service (GaugeVec - current state)
	// 0 = closed, 1 = open, 2 = half-open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lastsip",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts operations rejected or failed through the breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lastsip",
		Subsystem: "redis",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total operations failed or rejected by the circuit breaker",
	}, []string{"service"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}

// ForgetRoom drops per-room label series once a room is destroyed
func ForgetRoom(roomID string) {
	RoomPlayers.DeleteLabelValues(roomID)
}
