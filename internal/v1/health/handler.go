package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lastsip/server/internal/v1/bus"
	"github.com/lastsip/server/internal/v1/logging"
)

// RoomCounter reports how many rooms are currently alive.
type RoomCounter interface {
	RoomCount() int
}

// ConnectionCounter reports how many WebSocket connections are currently open.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handler manages health check endpoints
type Handler struct {
	redisService *bus.Service
	rooms        RoomCounter
	conns        ConnectionCounter
}

// NewHandler creates a new health check handler. rooms and conns may be nil,
// in which case the corresponding counts are omitted from responses.
func NewHandler(redisService *bus.Service, rooms RoomCounter, conns ConnectionCounter) *Handler {
	return &Handler{
		redisService: redisService,
		rooms:        rooms,
		conns:        conns,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// HealthzResponse is the lightweight status payload served to clients.
type HealthzResponse struct {
	Status      string `json:"status"`
	Rooms       *int   `json:"rooms,omitempty"`
	Connections *int   `json:"connections,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Healthz handles the public status endpoint
// GET /healthz
// Always 200 while the process is alive; includes live counts when wired.
func (h *Handler) Healthz(c *gin.Context) {
	response := HealthzResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.rooms != nil {
		n := h.rooms.RoomCount()
		response.Rooms = &n
	}
	if h.conns != nil {
		n := h.conns.ConnectionCount()
		response.Connections = &n
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check Redis connectivity
	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// If Redis is not enabled (single-instance mode), consider it healthy
	if h.redisService == nil {
		return "healthy"
	}

	// Try to ping Redis
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}
