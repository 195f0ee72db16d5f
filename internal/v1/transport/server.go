// Package transport owns the WebSocket surface. A Server upgrades /ws
// requests behind origin and rate-limit checks; each accepted socket becomes
// a Client that answers PING, binds to its seat on JOIN, and pipes intents
// into the room engine. All socket writes flow through each client's
// bounded queue so a slow consumer can never block a room.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lastsip/server/internal/v1/logging"
	"github.com/lastsip/server/internal/v1/metrics"
	"github.com/lastsip/server/internal/v1/ratelimit"
)

// Server accepts WebSocket connections and tracks every live client for the
// heartbeat sweep and shutdown.
type Server struct {
	resolver       TokenResolver
	limiter        *ratelimit.RateLimiter
	allowedOrigins []string
	timing         Timing
	upgrader       websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a Server with production timing.
func NewServer(resolver TokenResolver, limiter *ratelimit.RateLimiter, allowedOrigins []string) *Server {
	return NewServerWithTiming(resolver, limiter, allowedOrigins, DefaultTiming())
}

// NewServerWithTiming creates a Server with explicit timing, for tests.
func NewServerWithTiming(resolver TokenResolver, limiter *ratelimit.RateLimiter, allowedOrigins []string, timing Timing) *Server {
	s := &Server{
		resolver:       resolver,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		timing:         timing,
		clients:        make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, s.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

// ServeWs upgrades an HTTP request to a WebSocket connection and starts the
// client's pumps. Authentication happens later, on the JOIN frame; the
// upgrade itself only demands a sane origin and an available rate budget.
func (s *Server) ServeWs(c *gin.Context) {
	if s.limiter != nil && !s.limiter.CheckWebSocket(c) {
		return // response already written
	}

	if err := validateOrigin(c.Request, s.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(conn, s.resolver, s.timing, s.removeClient)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Kill("server shutting down")
		_ = conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	metrics.IncConnection()
	logging.Info(client.ctx(), "WebSocket connected",
		zap.String("remote", c.Request.RemoteAddr))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// ConnectionCount reports the number of live sockets.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// sweepLoop kills sockets whose pongs have stopped. The per-connection read
// deadline already catches dead peers; the sweep is a backstop for pumps
// wedged in ways the deadline cannot see.
func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.timing.HeartbeatSweep)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Server) sweepOnce() {
	s.mu.Lock()
	stale := make([]*Client, 0)
	for c := range s.clients {
		if time.Since(c.lastPongTime()) > s.timing.PongWait+s.timing.PingPeriod {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()

	for _, c := range stale {
		logging.Warn(c.ctx(), "Closing unresponsive connection")
		c.Kill("heartbeat timeout")
	}
}

// Shutdown closes every live socket and waits for their pumps up to the
// context deadline. Room teardown is the registry's job.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range clients {
		c.Kill("server shutting down")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	logging.Info(ctx, "Transport shut down", zap.Int("connections_closed", len(clients)))
	return nil
}

// validateOrigin checks if the request origin is in the allowed list.
// Requests without an Origin header pass, so non-browser clients can
// connect.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin),
		zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
