// Package registry is the process-wide index of live rooms. It owns three
// maps guarded by one mutex: roomId -> Room, joinCode -> Room, and
// token -> (Room, playerId). Rooms call back into the registry from under
// their own lock (token release on member removal), so the registry never
// calls into a room while holding its mutex; lookups release before the
// room method runs.
//
// Lifecycle:
//   - CreateRoom builds a room, seats the host, and binds the host token.
//   - JoinRoom resolves a join code and seats (or reconnects) a player.
//   - Resolve maps a bearer token to its binding for the WS JOIN handshake.
//   - An empty room is destroyed after a short grace period, cancelled if
//     anyone joins in the meantime. A reaper sweep also collects rooms
//     whose every member has been disconnected past the idle timeout.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lastsip/server/internal/v1/auth"
	"github.com/lastsip/server/internal/v1/config"
	"github.com/lastsip/server/internal/v1/logging"
	"github.com/lastsip/server/internal/v1/metrics"
	"github.com/lastsip/server/internal/v1/room"
	"github.com/lastsip/server/internal/v1/types"
	"github.com/lastsip/server/pkg/wire"
)

const (
	// DefaultDestroyGrace is how long an empty room survives before it is
	// torn down, so a create->join race never lands on a dead room.
	DefaultDestroyGrace = 5 * time.Second

	// DefaultReapInterval is the period of the idle-room sweep.
	DefaultReapInterval = 30 * time.Second

	// DefaultIdleTimeout is how long a room may sit with zero attached
	// sockets before the sweep collects it, members or not.
	DefaultIdleTimeout = 10 * time.Minute

	// liveRoomsKey is the Redis set mirroring the live room index.
	liveRoomsKey = "lastsip:rooms:live"
)

// ErrRoomNotFound is returned for join codes and tokens that resolve to
// nothing. It carries the wire code so the HTTP layer maps it directly.
var ErrRoomNotFound = &room.RoomError{Code: wire.CodeRoomNotFound, Message: "room not found"}

// ErrShuttingDown is returned once Shutdown has begun.
var ErrShuttingDown = errors.New("registry is shutting down")

// binding ties a bearer token to its seat in a room.
type binding struct {
	room     *room.Room
	playerID types.PlayerIdType
}

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	MaxPlayers   int
	Settings     room.Settings
	Timing       room.Timing
	IdleTimeout  time.Duration
	DestroyGrace time.Duration
	ReapInterval time.Duration

	// Bus, when non-nil, receives the live-room set index and is handed
	// to each room for the event mirror.
	Bus types.BusService
}

// FromConfig maps the validated environment onto registry options. The bus
// is wired separately by the caller since it may be disabled.
func FromConfig(cfg *config.Config) Options {
	timing := room.DefaultTiming()
	timing.ReconnectTimeout = cfg.ReconnectTimeout()

	settings := room.DefaultSettings()
	settings.TurnTimerSeconds = cfg.TurnTimerSeconds

	return Options{
		MaxPlayers:  cfg.MaxPlayers,
		Settings:    settings,
		Timing:      timing,
		IdleTimeout: cfg.RoomIdleTimeout(),
	}
}

// Registry coordinates room lifecycle for the whole process.
type Registry struct {
	mu              sync.Mutex
	roomsByID       map[types.RoomIdType]*room.Room
	roomsByJoinCode map[types.JoinCodeType]*room.Room
	bindingByToken  map[types.TokenType]binding
	pendingDestroys map[types.RoomIdType]*time.Timer
	closed          bool

	maxPlayers   int
	settings     room.Settings
	timing       room.Timing
	idleTimeout  time.Duration
	destroyGrace time.Duration
	reapInterval time.Duration

	bus types.BusService

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Registry and starts its reaper sweep.
func New(ctx context.Context, opts Options) *Registry {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = room.DefaultMaxPlayers
	}
	if opts.Settings == (room.Settings{}) {
		opts.Settings = room.DefaultSettings()
	}
	if opts.Timing == (room.Timing{}) {
		opts.Timing = room.DefaultTiming()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.DestroyGrace <= 0 {
		opts.DestroyGrace = DefaultDestroyGrace
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}

	reg := &Registry{
		roomsByID:       make(map[types.RoomIdType]*room.Room),
		roomsByJoinCode: make(map[types.JoinCodeType]*room.Room),
		bindingByToken:  make(map[types.TokenType]binding),
		pendingDestroys: make(map[types.RoomIdType]*time.Timer),

		maxPlayers:   opts.MaxPlayers,
		settings:     opts.Settings,
		timing:       opts.Timing,
		idleTimeout:  opts.IdleTimeout,
		destroyGrace: opts.DestroyGrace,
		reapInterval: opts.ReapInterval,

		bus: opts.Bus,
	}
	reg.ctx, reg.cancel = context.WithCancel(ctx)

	reg.wg.Add(1)
	go reg.reapLoop()
	return reg
}

// CreateRoomResult is what the HTTP create handler returns to the host.
type CreateRoomResult struct {
	RoomID   types.RoomIdType
	JoinCode types.JoinCodeType
	Token    types.TokenType
	PlayerID types.PlayerIdType
	Seat     int
}

// CreateRoom builds a fresh room and seats the caller as its host.
func (reg *Registry) CreateRoom(ctx context.Context, hostName types.DisplayNameType, avatarID int, sessionID types.SessionIdType) (CreateRoomResult, error) {
	minted, err := auth.MintToken()
	if err != nil {
		return CreateRoomResult{}, err
	}
	token := types.TokenType(minted)
	roomID := types.RoomIdType(uuid.NewString())

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return CreateRoomResult{}, ErrShuttingDown
	}
	joinCode, err := reg.freeJoinCodeLocked()
	if err != nil {
		reg.mu.Unlock()
		return CreateRoomResult{}, err
	}
	rm := room.NewRoom(reg.ctx, roomID, joinCode, room.Options{
		MaxPlayers:      reg.maxPlayers,
		Settings:        reg.settings,
		Timing:          reg.timing,
		OnEmpty:         reg.scheduleDestroy,
		OnPlayerRemoved: reg.releaseToken,
		Bus:             reg.bus,
	})
	reg.roomsByID[roomID] = rm
	reg.roomsByJoinCode[joinCode] = rm
	reg.mu.Unlock()

	metrics.ActiveRooms.Inc()

	res, err := rm.AddPlayer(ctx, hostName, avatarID, sessionID, token)
	if err != nil {
		reg.destroyRoom(rm, "host rejected")
		return CreateRoomResult{}, err
	}
	if !reg.bindToken(res.Token, rm, res.PlayerID) {
		return CreateRoomResult{}, ErrRoomNotFound
	}

	if reg.bus != nil {
		_ = reg.bus.SetAdd(ctx, liveRoomsKey, string(roomID))
	}
	logging.Info(ctx, "Created room",
		zap.String("room", string(roomID)),
		zap.String("host", string(res.PlayerID)))
	return CreateRoomResult{
		RoomID:   roomID,
		JoinCode: joinCode,
		Token:    res.Token,
		PlayerID: res.PlayerID,
		Seat:     res.Seat,
	}, nil
}

// JoinRoomResult is what the HTTP join handler returns.
type JoinRoomResult struct {
	RoomID      types.RoomIdType
	Token       types.TokenType
	PlayerID    types.PlayerIdType
	Seat        int
	IsReconnect bool
}

// JoinRoom seats a player in the room behind the given code, or hands back
// the standing token when the session already holds a disconnected seat.
func (reg *Registry) JoinRoom(ctx context.Context, joinCode string, name types.DisplayNameType, avatarID int, sessionID types.SessionIdType) (JoinRoomResult, error) {
	code := NormalizeJoinCode(joinCode)

	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return JoinRoomResult{}, ErrShuttingDown
	}
	rm := reg.roomsByJoinCode[code]
	if rm != nil {
		reg.cancelDestroyLocked(rm.GetID())
	}
	reg.mu.Unlock()
	if rm == nil {
		return JoinRoomResult{}, ErrRoomNotFound
	}

	minted, err := auth.MintToken()
	if err != nil {
		return JoinRoomResult{}, err
	}

	res, err := rm.AddPlayer(ctx, name, avatarID, sessionID, types.TokenType(minted))
	if err != nil {
		return JoinRoomResult{}, err
	}
	if !res.IsReconnect {
		if !reg.bindToken(res.Token, rm, res.PlayerID) {
			return JoinRoomResult{}, ErrRoomNotFound
		}
	}

	return JoinRoomResult{
		RoomID:      rm.GetID(),
		Token:       res.Token,
		PlayerID:    res.PlayerID,
		Seat:        res.Seat,
		IsReconnect: res.IsReconnect,
	}, nil
}

// Resolve maps a bearer token to its room and seat. The WS layer calls this
// on every JOIN.
func (reg *Registry) Resolve(token types.TokenType) (*room.Room, types.PlayerIdType, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	b, ok := reg.bindingByToken[token]
	if !ok {
		return nil, "", false
	}
	return b.room, b.playerID, true
}

// RoomCount reports how many rooms are live.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.roomsByID)
}

// bindToken records a token binding, refusing when the room has been
// destroyed since the caller looked it up.
func (reg *Registry) bindToken(token types.TokenType, rm *room.Room, playerID types.PlayerIdType) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.roomsByID[rm.GetID()] != rm {
		return false
	}
	reg.bindingByToken[token] = binding{room: rm, playerID: playerID}
	return true
}

// releaseToken drops a token binding. Rooms invoke it under their own lock
// whenever a member is removed, so it must never call back into a room.
func (reg *Registry) releaseToken(token types.TokenType) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.bindingByToken, token)
}

// scheduleDestroy arms the empty-room teardown timer. Rooms invoke it on
// their own goroutine when the last member leaves; a join before the grace
// elapses cancels it.
func (reg *Registry) scheduleDestroy(roomID types.RoomIdType) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return
	}
	if t, ok := reg.pendingDestroys[roomID]; ok {
		t.Stop()
	}
	reg.pendingDestroys[roomID] = time.AfterFunc(reg.destroyGrace, func() {
		reg.destroyIfEmpty(roomID)
	})
}

// cancelDestroyLocked clears a pending teardown, if any.
func (reg *Registry) cancelDestroyLocked(roomID types.RoomIdType) {
	if t, ok := reg.pendingDestroys[roomID]; ok {
		t.Stop()
		delete(reg.pendingDestroys, roomID)
	}
}

// destroyIfEmpty re-checks membership after the grace period and tears the
// room down when it is still empty.
func (reg *Registry) destroyIfEmpty(roomID types.RoomIdType) {
	reg.mu.Lock()
	delete(reg.pendingDestroys, roomID)
	rm := reg.roomsByID[roomID]
	reg.mu.Unlock()
	if rm == nil {
		return
	}
	if rm.PlayerCount() > 0 {
		logging.Info(reg.ctx, "Cancelled room teardown - room is no longer empty",
			zap.String("room", string(roomID)))
		return
	}
	reg.destroyRoom(rm, "empty")
}

// destroyRoom removes a room from every index and shuts it down. The room
// lock is only taken after the registry lock is released.
func (reg *Registry) destroyRoom(rm *room.Room, reason string) {
	roomID := rm.GetID()

	reg.mu.Lock()
	if reg.roomsByID[roomID] != rm {
		reg.mu.Unlock()
		return
	}
	delete(reg.roomsByID, roomID)
	delete(reg.roomsByJoinCode, rm.GetJoinCode())
	for token, b := range reg.bindingByToken {
		if b.room == rm {
			delete(reg.bindingByToken, token)
		}
	}
	reg.cancelDestroyLocked(roomID)
	reg.mu.Unlock()

	metrics.ActiveRooms.Dec()
	if reg.bus != nil {
		_ = reg.bus.SetRem(context.Background(), liveRoomsKey, string(roomID))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = rm.Shutdown(shutdownCtx)

	logging.Info(reg.ctx, "Destroyed room",
		zap.String("room", string(roomID)),
		zap.String("reason", reason))
}

// reapLoop periodically collects abandoned rooms.
func (reg *Registry) reapLoop() {
	defer reg.wg.Done()
	ticker := time.NewTicker(reg.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-reg.ctx.Done():
			return
		case <-ticker.C:
			reg.reapOnce()
		}
	}
}

// reapOnce destroys rooms with no members, and rooms whose every member has
// been disconnected past the idle timeout. Room state is read only after the
// registry lock is released.
func (reg *Registry) reapOnce() {
	reg.mu.Lock()
	rooms := make([]*room.Room, 0, len(reg.roomsByID))
	for _, rm := range reg.roomsByID {
		rooms = append(rooms, rm)
	}
	reg.mu.Unlock()

	now := time.Now()
	for _, rm := range rooms {
		idle := rm.IdleSince()
		switch {
		case rm.PlayerCount() == 0 && now.Sub(idle) >= reg.destroyGrace:
			reg.destroyRoom(rm, "empty")
		case rm.ConnectedCount() == 0 && !idle.IsZero() && now.Sub(idle) >= reg.idleTimeout:
			reg.destroyRoom(rm, "idle")
		}
	}
}

// Shutdown tears down every room and stops the reaper. It waits for room
// teardown up to the context deadline.
func (reg *Registry) Shutdown(ctx context.Context) error {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return nil
	}
	reg.closed = true
	for id, t := range reg.pendingDestroys {
		t.Stop()
		delete(reg.pendingDestroys, id)
	}
	rooms := make([]*room.Room, 0, len(reg.roomsByID))
	for _, rm := range reg.roomsByID {
		rooms = append(rooms, rm)
	}
	reg.roomsByID = make(map[types.RoomIdType]*room.Room)
	reg.roomsByJoinCode = make(map[types.JoinCodeType]*room.Room)
	reg.bindingByToken = make(map[types.TokenType]binding)
	reg.mu.Unlock()

	reg.cancel()

	for _, rm := range rooms {
		metrics.ActiveRooms.Dec()
		if reg.bus != nil {
			_ = reg.bus.SetRem(context.Background(), liveRoomsKey, string(rm.GetID()))
		}
		_ = rm.Shutdown(ctx)
	}

	c := make(chan struct{})
	go func() {
		defer close(c)
		reg.wg.Wait()
	}()
	select {
	case <-c:
	case <-ctx.Done():
		return ctx.Err()
	}

	logging.Info(ctx, "Registry shut down", zap.Int("rooms_closed", len(rooms)))
	return nil
}
