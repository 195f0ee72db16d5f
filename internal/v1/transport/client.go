package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lastsip/server/internal/v1/logging"
	"github.com/lastsip/server/internal/v1/metrics"
	"github.com/lastsip/server/internal/v1/room"
	"github.com/lastsip/server/internal/v1/types"
	"github.com/lastsip/server/pkg/wire"
)

const (
	// sendQueueSize bounds the outbound queue. A client that cannot drain
	// this many frames is dead weight and gets disconnected.
	sendQueueSize = 256

	// maxFrameBytes bounds inbound frames. The largest legal intent is a
	// dealer composition for a full table, far under this.
	maxFrameBytes = 4096
)

// Timing groups the socket liveness knobs so tests can shrink them.
type Timing struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	HeartbeatSweep time.Duration
}

// DefaultTiming returns the production values. PingPeriod must be under
// PongWait or the read deadline expires between pings.
func DefaultTiming() Timing {
	return Timing{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		HeartbeatSweep: 30 * time.Second,
	}
}

// wsConnection is the slice of *websocket.Conn the client uses, kept as an
// interface so tests can script a connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// TokenResolver maps a bearer token to its seat. The registry implements it.
type TokenResolver interface {
	Resolve(token types.TokenType) (*room.Room, types.PlayerIdType, bool)
}

// Client is one WebSocket connection. Before JOIN it answers only PING;
// after JOIN it forwards intents into its room and drains the room's events
// through a bounded queue. It implements types.ClientConn for the room.
type Client struct {
	conn     wsConnection
	resolver TokenResolver
	timing   Timing

	send chan []byte
	quit chan struct{}

	killOnce sync.Once

	mu         sync.Mutex
	room       *room.Room
	playerID   types.PlayerIdType
	killReason string
	lastPong   time.Time

	correlationID string
	connectedAt   time.Time

	onClose func(*Client)
}

func newClient(conn wsConnection, resolver TokenResolver, timing Timing, onClose func(*Client)) *Client {
	now := time.Now()
	return &Client{
		conn:          conn,
		resolver:      resolver,
		timing:        timing,
		send:          make(chan []byte, sendQueueSize),
		quit:          make(chan struct{}),
		lastPong:      now,
		connectedAt:   now,
		correlationID: uuid.NewString(),
		onClose:       onClose,
	}
}

// ctx returns the client's logging context. Every log line for this socket
// carries the same correlation ID.
func (c *Client) ctx() context.Context {
	return context.WithValue(context.Background(), logging.CorrelationIDKey, c.correlationID)
}

// Send enqueues a frame without blocking. It reports false when the client
// is dead or the queue is full; the room treats that as a disconnect.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Kill shuts the connection down. The write pump drains what is already
// queued, sends a close frame carrying the reason, and closes the socket.
// Safe to call from any goroutine, any number of times.
func (c *Client) Kill(reason string) {
	c.killOnce.Do(func() {
		c.mu.Lock()
		c.killReason = reason
		c.mu.Unlock()
		close(c.quit)
	})
}

func (c *Client) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killReason
}

func (c *Client) bind(rm *room.Room, playerID types.PlayerIdType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = rm
	c.playerID = playerID
}

func (c *Client) binding() (*room.Room, types.PlayerIdType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.playerID, c.room != nil
}

func (c *Client) stampPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = time.Now()
}

func (c *Client) lastPongTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// readPump consumes inbound frames until the socket dies, then notifies the
// room and releases the connection's resources.
func (c *Client) readPump() {
	defer func() {
		c.Kill("connection closed")
		if rm, playerID, ok := c.binding(); ok {
			rm.HandleClientDisconnect(playerID, c)
		}
		_ = c.conn.Close()
		metrics.DecConnection()
		metrics.ConnectionDuration.Observe(time.Since(c.connectedAt).Seconds())
		if c.onClose != nil {
			c.onClose(c)
		}
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timing.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.stampPong()
		return c.conn.SetReadDeadline(time.Now().Add(c.timing.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.dispatch(data)
	}
}

// dispatch decodes one frame and routes it. PING and JOIN are handled at
// this layer; everything else requires a binding and goes to the room.
func (c *Client) dispatch(data []byte) {
	op, payload, err := wire.DecodeIntent(data)
	if err != nil {
		var unknownOp *wire.UnknownOpError
		if errors.As(err, &unknownOp) {
			c.sendError(wire.CodeUnknownOp, "unrecognized op")
		} else {
			c.sendError(wire.CodeInvalidMessage, "malformed frame")
		}
		return
	}
	metrics.MessagesReceived.WithLabelValues(string(op)).Inc()

	switch op {
	case wire.OpPing:
		c.sendEvent(wire.OpPong, wire.NewPongEvent(payload.(*wire.PingIntent).T))
		return
	case wire.OpJoin:
		c.handleJoin(payload.(*wire.JoinIntent))
		return
	}

	rm, playerID, ok := c.binding()
	if !ok {
		c.sendError(wire.CodeNotInRoom, "join a room first")
		return
	}
	rm.Router(c.ctx(), playerID, op, payload)
}

// handleJoin binds the socket to the seat behind the token. Re-joining with
// the same token refreshes the state snapshot; presenting a different
// identity on a bound socket is rejected.
func (c *Client) handleJoin(intent *wire.JoinIntent) {
	if intent.Token == "" {
		c.sendError(wire.CodeInvalidMessage, "token required")
		return
	}
	token := types.TokenType(intent.Token)

	rm, playerID, ok := c.resolver.Resolve(token)
	if !ok {
		c.sendError(wire.CodeInvalidToken, "unknown or expired token")
		return
	}

	if boundRoom, boundPlayer, bound := c.binding(); bound {
		if boundRoom != rm || boundPlayer != playerID {
			c.sendError(wire.CodeInvalidAction, "socket already joined as another player")
			return
		}
	}

	if err := rm.Connect(c.ctx(), playerID, c); err != nil {
		var re *room.RoomError
		if errors.As(err, &re) {
			c.sendError(re.Code, re.Message)
		} else {
			c.sendError(wire.CodeInvalidToken, "join failed")
		}
		return
	}
	c.bind(rm, playerID)

	logging.Info(c.ctx(), "Socket joined room",
		zap.String("room", string(rm.GetID())),
		zap.String("playerId", string(playerID)),
		zap.String("token", logging.RedactToken(intent.Token)))
}

func (c *Client) sendEvent(op wire.Op, event any) {
	frame, err := wire.Encode(event)
	if err != nil {
		logging.Error(c.ctx(), "Failed to encode event", zap.Error(err))
		return
	}
	if c.Send(frame) {
		metrics.MessagesSent.WithLabelValues(string(op)).Inc()
	}
}

func (c *Client) sendError(code wire.ErrorCode, message string) {
	metrics.ProtocolErrors.WithLabelValues(string(code)).Inc()
	c.sendEvent(wire.OpError, wire.NewErrorEvent(code, message))
}

// writePump owns all writes to the socket: queued frames, liveness pings,
// and the final close frame. It closes the connection on exit, which in
// turn unblocks the read pump.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.timing.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Warn(c.ctx(), "error writing message", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			// Drain what the engine queued before the kill, then say why.
			for {
				select {
				case frame := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason()))
					return
				}
			}
		}
	}
}
