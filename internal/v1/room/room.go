// Package room implements the authoritative game engine for a single Last
// Sip table. Every mutation of a room happens under its mutex, which is the
// serialization discipline that keeps the hidden card assignment and the
// turn order consistent: intents, socket lifecycle events and timer fires
// all funnel through it. Timer callbacks re-enter through the same lock and
// are validated against an epoch counter so a stale fire is a no-op.
package room

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/lastsip/server/internal/v1/logging"
	"github.com/lastsip/server/internal/v1/metrics"
	"github.com/lastsip/server/internal/v1/types"
	"github.com/lastsip/server/pkg/wire"
)

const (
	// MinPlayers is the fewest members a game can start with.
	MinPlayers = 3
	// DefaultMaxPlayers caps the roster when the deployment does not say
	// otherwise.
	DefaultMaxPlayers = 8

	DefaultTurnTimerSeconds = 30
	MinTurnTimerSeconds     = 5
	MaxTurnTimerSeconds     = 120

	DefaultCheeseCount = 2
	MinCheeseCount     = 1
	MaxCheeseCount     = 3
)

// Settings are the host-tunable rules of a room.
type Settings struct {
	TurnTimerSeconds int
	CheeseEnabled    bool
	CheeseCount      int
}

// DefaultSettings returns the rules of a freshly created room.
func DefaultSettings() Settings {
	return Settings{
		TurnTimerSeconds: DefaultTurnTimerSeconds,
		CheeseEnabled:    true,
		CheeseCount:      DefaultCheeseCount,
	}
}

func (s Settings) info() wire.SettingsInfo {
	return wire.SettingsInfo{
		TurnTimerSeconds: s.TurnTimerSeconds,
		CheeseEnabled:    s.CheeseEnabled,
		CheeseCount:      s.CheeseCount,
	}
}

// Options configures a Room at creation time.
type Options struct {
	MaxPlayers int
	Settings   Settings
	Timing     Timing

	// Rand returns a uniform int in [0, n). Nil selects the CSPRNG.
	Rand func(n int) int

	// OnEmpty is called on its own goroutine when the last member leaves.
	OnEmpty func(types.RoomIdType)

	// OnPlayerRemoved is called under the room lock whenever a member is
	// removed, so the registry can drop the token binding. It must not
	// call back into the room.
	OnPlayerRemoved func(types.TokenType)

	Bus types.BusService
}

// playerState is the engine-private record of one member.
type playerState struct {
	id        types.PlayerIdType
	name      types.DisplayNameType
	avatarID  int
	seat      int
	sessionID types.SessionIdType
	token     types.TokenType

	conn types.ClientConn // nil while disconnected

	ready     bool
	alive     bool
	hasCheese bool

	joinedAt       time.Time
	disconnectedAt time.Time
	graceTimer     *time.Timer
	graceGen       int
}

func (p *playerState) connected() bool { return p.conn != nil }

// Room is one table: a roster of seated players plus, while a game runs, the
// round engine state.
type Room struct {
	id       types.RoomIdType
	joinCode types.JoinCodeType

	mu       sync.RWMutex
	status   wire.RoomStatus
	hostID   types.PlayerIdType
	players  map[types.PlayerIdType]*playerState
	settings Settings
	game     *gameState
	closed   bool

	createdAt  time.Time
	emptySince time.Time // zero while at least one socket is attached

	maxPlayers int
	timing     Timing
	intn       func(int) int

	// epoch invalidates armed timers. Every transition that would change
	// the meaning of a pending fire bumps it; callbacks compare their
	// captured value before acting.
	epoch      int64
	turnTimer  *time.Timer
	phaseTimer *time.Timer

	onEmpty         func(types.RoomIdType)
	onPlayerRemoved func(types.TokenType)
	bus             types.BusService

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	publishChan chan struct{} // semaphore for bus publishes
}

// NewRoom creates an empty lobby with the given identity and dependencies.
func NewRoom(ctx context.Context, id types.RoomIdType, joinCode types.JoinCodeType, opts Options) *Room {
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = DefaultMaxPlayers
	}
	if opts.Settings == (Settings{}) {
		opts.Settings = DefaultSettings()
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	if opts.Rand == nil {
		opts.Rand = cryptoIntn
	}

	r := &Room{
		id:       id,
		joinCode: joinCode,
		status:   wire.RoomStatusLobby,
		players:  make(map[types.PlayerIdType]*playerState),
		settings: opts.Settings,

		createdAt:  time.Now(),
		emptySince: time.Now(),

		maxPlayers: opts.MaxPlayers,
		timing:     opts.Timing,
		intn:       opts.Rand,

		onEmpty:         opts.OnEmpty,
		onPlayerRemoved: opts.OnPlayerRemoved,
		bus:             opts.Bus,

		publishChan: make(chan struct{}, 100), // limit concurrent publishes
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	return r
}

// GetID returns the room ID.
func (r *Room) GetID() types.RoomIdType {
	return r.id
}

// GetJoinCode returns the room's join code.
func (r *Room) GetJoinCode() types.JoinCodeType {
	return r.joinCode
}

// PlayerCount returns the number of seated members, connected or not.
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// ConnectedCount returns the number of members with an attached socket.
func (r *Room) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.players {
		if p.connected() {
			n++
		}
	}
	return n
}

// IdleSince reports when the room last lost its final socket. It is zero
// while anyone is connected; the registry reaper uses it to collect
// abandoned rooms.
func (r *Room) IdleSince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emptySince
}

// AddPlayerResult is what the HTTP surface returns for a create or join.
type AddPlayerResult struct {
	PlayerID    types.PlayerIdType
	Token       types.TokenType
	Seat        int
	IsReconnect bool
}

// AddPlayer admits a new member, or hands back the token of a disconnected
// member carrying the same session. The caller supplies a freshly minted
// token; on the reconnect path the member's existing token is returned
// instead and the fresh one must be discarded. New members start without a
// socket and must attach one before their reconnect window closes.
func (r *Room) AddPlayer(ctx context.Context, name types.DisplayNameType, avatarID int, sessionID types.SessionIdType, token types.TokenType) (AddPlayerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return AddPlayerResult{}, ErrRoomClosed
	}

	// Session check first: reconnection beats every lobby-state check.
	for _, p := range r.players {
		if p.sessionID != sessionID {
			continue
		}
		if p.connected() {
			return AddPlayerResult{}, ErrSessionAlreadyInRoom
		}
		r.armGraceLocked(p) // fresh window to finish the socket join
		logging.Info(ctx, "Reconnect token issued",
			zap.String("room", string(r.id)),
			zap.String("playerId", string(p.id)),
			zap.Int("seat", p.seat))
		return AddPlayerResult{PlayerID: p.id, Token: p.token, Seat: p.seat, IsReconnect: true}, nil
	}

	if r.status != wire.RoomStatusLobby {
		return AddPlayerResult{}, ErrGameInProgress
	}
	if len(r.players) >= r.maxPlayers {
		return AddPlayerResult{}, ErrRoomFull
	}
	if err := types.ValidateDisplayName(name); err != nil {
		return AddPlayerResult{}, newRoomError(wire.CodeInvalidRequest, err.Error())
	}
	for _, p := range r.players {
		if p.name.Normalized() == name.Normalized() {
			return AddPlayerResult{}, ErrNameTaken
		}
	}

	now := time.Now()
	p := &playerState{
		id:             types.PlayerIdType(uuid.NewString()),
		name:           name,
		avatarID:       avatarID,
		seat:           r.smallestFreeSeatLocked(),
		sessionID:      sessionID,
		token:          token,
		alive:          true,
		joinedAt:       now,
		disconnectedAt: now,
	}
	r.players[p.id] = p
	if r.hostID == "" {
		r.hostID = p.id
	}
	r.armGraceLocked(p)

	metrics.RoomPlayers.WithLabelValues(string(r.id)).Set(float64(len(r.players)))
	logging.Info(ctx, "Player added",
		zap.String("room", string(r.id)),
		zap.String("playerId", string(p.id)),
		zap.Int("seat", p.seat))

	r.broadcastLobbyLocked()
	return AddPlayerResult{PlayerID: p.id, Token: token, Seat: p.seat, IsReconnect: false}, nil
}

// Connect attaches a socket to a member. A second socket for the same member
// replaces the first. The member receives a full STATE snapshot on attach.
func (r *Room) Connect(ctx context.Context, playerID types.PlayerIdType, conn types.ClientConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	p, ok := r.players[playerID]
	if !ok {
		return newRoomError(wire.CodeInvalidToken, "player no longer in this room")
	}

	if old := p.conn; old != nil && old != conn {
		logging.Info(ctx, "Duplicate connection detected, replacing old socket",
			zap.String("room", string(r.id)),
			zap.String("playerId", string(playerID)))
		p.conn = nil
		old.Kill("replaced by newer connection")
	}
	p.conn = conn
	r.cancelGraceLocked(p)
	r.updatePresenceLocked()

	logging.Info(ctx, "Player connected",
		zap.String("room", string(r.id)),
		zap.String("playerId", string(playerID)),
		zap.Int("seat", p.seat))

	if r.votingLocked() {
		// Quorum grew; everyone sees the new requirement.
		r.broadcastVoteLocked(wire.VotePhaseVoting)
	}
	if g := r.game; g != nil && p.alive {
		switch {
		case g.phase == wire.PhaseTurns && p.seat == g.turnSeat:
			// The short disconnected deadline no longer applies.
			r.armTurnDeadlineLocked(time.Duration(r.settings.TurnTimerSeconds) * time.Second)
			r.broadcastPhaseLocked()
		case g.phase == wire.PhaseAwaitingReveal && p.seat == g.dealerSeat:
			r.stopAutoRevealLocked()
		}
	}

	r.sendStateLocked(p)
	if r.status == wire.RoomStatusLobby {
		r.broadcastLobbyLocked()
	}
	return nil
}

// HandleClientDisconnect is called by the transport when a socket dies. The
// conn argument guards against the close of an already replaced socket.
func (r *Room) HandleClientDisconnect(playerID types.PlayerIdType, conn types.ClientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	p, ok := r.players[playerID]
	if !ok || p.conn != conn {
		return
	}
	r.dropConnLocked(p, false)
}

// dropConnLocked detaches a member's socket and applies the phase-dependent
// disconnect rules. In the lobby that means removal; in a game the seat is
// held for the reconnect window.
func (r *Room) dropConnLocked(p *playerState, kill bool) {
	conn := p.conn
	p.conn = nil
	p.disconnectedAt = time.Now()
	if kill && conn != nil {
		conn.Kill("outbound queue overflow")
	}
	r.updatePresenceLocked()

	logging.Info(r.ctx, "Player disconnected",
		zap.String("room", string(r.id)),
		zap.String("playerId", string(p.id)),
		zap.Int("seat", p.seat))

	if r.status == wire.RoomStatusLobby {
		r.removePlayerLocked(p, wire.LeaveReasonDisconnected)
		return
	}

	r.armGraceLocked(p)

	if r.votingLocked() {
		// The quorum is connected seats; a vanished voter shrinks it and
		// may complete the vote.
		r.game.votes.Delete(p.seat)
		r.broadcastVoteLocked(wire.VotePhaseVoting)
		r.resolveVoteLocked()
		return
	}

	g := r.game
	if g == nil {
		return
	}
	switch g.phase {
	case wire.PhaseDealerSetup:
		if p.alive && p.seat == g.dealerSeat {
			r.autoComposeLocked()
		}
	case wire.PhaseTurns:
		if p.alive && p.seat == g.turnSeat {
			r.armTurnDeadlineLocked(r.timing.DisconnectedTurnTimeout)
			r.broadcastPhaseLocked()
		}
	case wire.PhaseAwaitingReveal:
		if p.seat == g.dealerSeat {
			r.armAutoRevealLocked()
		}
	}
}

// removePlayerLocked takes a member out of the room entirely, frees their
// seat and token, and repairs whatever the departure broke.
func (r *Room) removePlayerLocked(p *playerState, reason wire.LeaveReason) {
	r.cancelGraceLocked(p)
	wasAlive := p.alive
	wasHost := p.id == r.hostID
	seat := p.seat

	if conn := p.conn; conn != nil {
		p.conn = nil
		conn.Kill("left room")
	}
	delete(r.players, p.id)
	r.updatePresenceLocked()

	if g := r.game; g != nil {
		delete(g.cardBySeat, seat)
		g.facedown.Delete(seat)
		g.acted.Delete(seat)
		g.votes.Delete(seat)
	}

	if r.onPlayerRemoved != nil {
		r.onPlayerRemoved(p.token)
	}

	if len(r.players) == 0 {
		metrics.RoomPlayers.DeleteLabelValues(string(r.id))
	} else {
		metrics.RoomPlayers.WithLabelValues(string(r.id)).Set(float64(len(r.players)))
	}

	logging.Info(r.ctx, "Player removed",
		zap.String("room", string(r.id)),
		zap.String("playerId", string(p.id)),
		zap.Int("seat", seat),
		zap.String("reason", string(reason)))

	r.broadcastLocked(wire.OpPlayerLeft, wire.NewPlayerLeftEvent(seat, reason))

	if wasHost && len(r.players) > 0 {
		r.promoteHostLocked()
	}

	switch {
	case r.status == wire.RoomStatusLobby:
		r.broadcastLobbyLocked()
	case r.votingLocked():
		r.broadcastVoteLocked(wire.VotePhaseVoting)
		r.resolveVoteLocked()
	case wasAlive:
		if !r.checkGameEndNowLocked() {
			r.afterSeatGoneLocked(seat)
		}
	}

	if len(r.players) == 0 && r.onEmpty != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.onEmpty(r.id)
		}()
	}
}

// promoteHostLocked hands the host role to the longest-seated member.
func (r *Room) promoteHostLocked() {
	var next *playerState
	for _, p := range r.players {
		if next == nil || p.joinedAt.Before(next.joinedAt) ||
			(p.joinedAt.Equal(next.joinedAt) && p.seat < next.seat) {
			next = p
		}
	}
	if next == nil {
		return
	}
	r.hostID = next.id
	logging.Info(r.ctx, "Host migrated",
		zap.String("room", string(r.id)),
		zap.String("playerId", string(next.id)),
		zap.Int("seat", next.seat))
}

// Shutdown closes the room and disconnects all members. It waits for
// in-flight bus publishes up to the context deadline.
func (r *Room) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.epoch++
		r.stopTimersLocked()
		for _, p := range r.players {
			r.cancelGraceLocked(p)
			if conn := p.conn; conn != nil {
				p.conn = nil
				conn.Kill("room closed")
			}
		}
		metrics.RoomPlayers.DeleteLabelValues(string(r.id))
		logging.Info(r.ctx, "Room closed", zap.String("room", string(r.id)))
	}
	r.mu.Unlock()
	r.cancel()

	c := make(chan struct{})
	go func() {
		defer close(c)
		r.wg.Wait()
	}()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Grace window ---

// armGraceLocked starts (or restarts) a member's reconnect window.
func (r *Room) armGraceLocked(p *playerState) {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.graceGen++
	gen := p.graceGen
	id := p.id
	p.graceTimer = time.AfterFunc(r.timing.ReconnectTimeout, func() {
		r.graceExpired(id, gen)
	})
}

func (r *Room) cancelGraceLocked(p *playerState) {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.graceGen++
}

// graceExpired fires when a disconnected member failed to return in time.
// While a vote runs the member is removed outright so the quorum shrinks;
// during regular play the seat is marked dead and stays, so a very late
// return still lands as a spectator.
func (r *Room) graceExpired(playerID types.PlayerIdType, gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	p, ok := r.players[playerID]
	if !ok || p.graceGen != gen || p.connected() {
		return
	}

	logging.Info(r.ctx, "Reconnect window expired",
		zap.String("room", string(r.id)),
		zap.String("playerId", string(playerID)),
		zap.Int("seat", p.seat))

	if r.game == nil || r.votingLocked() {
		r.removePlayerLocked(p, wire.LeaveReasonDisconnected)
		return
	}
	if p.alive {
		r.killSeatLocked(p)
	}
}

// killSeatLocked marks a seat dead outside the reveal flow (reconnect window
// expiry) and repairs the round around it.
func (r *Room) killSeatLocked(p *playerState) {
	p.alive = false
	if g := r.game; g != nil {
		g.facedown.Delete(p.seat)
		g.acted.Delete(p.seat)
	}
	metrics.Eliminations.Inc()
	r.broadcastLocked(wire.OpElim, wire.NewElimEvent(p.seat))

	if !r.checkGameEndNowLocked() {
		r.afterSeatGoneLocked(p.seat)
	}
}

// --- Presence ---

func (r *Room) updatePresenceLocked() {
	for _, p := range r.players {
		if p.connected() {
			r.emptySince = time.Time{}
			return
		}
	}
	if r.emptySince.IsZero() {
		r.emptySince = time.Now()
	}
}

// --- Seat and roster helpers ---

func (r *Room) smallestFreeSeatLocked() int {
	used := set.New[int]()
	for _, p := range r.players {
		used.Insert(p.seat)
	}
	seat := 0
	for used.Has(seat) {
		seat++
	}
	return seat
}

func (r *Room) playerBySeatLocked(seat int) *playerState {
	for _, p := range r.players {
		if p.seat == seat {
			return p
		}
	}
	return nil
}

func (r *Room) aliveSeatsLocked() []int {
	seats := make([]int, 0, len(r.players))
	for _, p := range r.players {
		if p.alive {
			seats = append(seats, p.seat)
		}
	}
	sort.Ints(seats)
	return seats
}

func (r *Room) connectedSeatsLocked() []int {
	seats := make([]int, 0, len(r.players))
	for _, p := range r.players {
		if p.connected() {
			seats = append(seats, p.seat)
		}
	}
	sort.Ints(seats)
	return seats
}

func (r *Room) cheeseSeatsLocked() []int {
	seats := make([]int, 0, len(r.players))
	for _, p := range r.players {
		if p.hasCheese {
			seats = append(seats, p.seat)
		}
	}
	sort.Ints(seats)
	return seats
}

func sortedSeats(s set.Set[int]) []int {
	seats := s.UnsortedList()
	sort.Ints(seats)
	return seats
}

// --- Snapshots ---

func (r *Room) playerInfosLocked() []wire.PlayerInfo {
	infos := make([]wire.PlayerInfo, 0, len(r.players))
	for _, p := range r.players {
		infos = append(infos, wire.PlayerInfo{
			PlayerID:  string(p.id),
			Name:      string(p.name),
			AvatarID:  p.avatarID,
			Seat:      p.seat,
			Alive:     p.alive,
			Connected: p.connected(),
			Ready:     p.ready,
			HasCheese: p.hasCheese,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Seat < infos[j].Seat })
	return infos
}

func (r *Room) roomInfoLocked() wire.RoomInfo {
	return wire.RoomInfo{
		RoomID:    string(r.id),
		JoinCode:  string(r.joinCode),
		HostID:    string(r.hostID),
		Status:    r.status,
		Settings:  r.settings.info(),
		Players:   r.playerInfosLocked(),
		CreatedAt: r.createdAt.UnixMilli(),
	}
}

// gameInfoLocked builds the public view of the game. Hidden cards never
// appear here; facedownSeats is all a reconnecting client learns.
func (r *Room) gameInfoLocked() *wire.GameInfo {
	g := r.game
	if g == nil {
		return nil
	}
	info := &wire.GameInfo{
		Phase:         g.phase,
		DealerSeat:    g.dealerSeat,
		RoundIndex:    g.roundIndex,
		AliveSeats:    r.aliveSeatsLocked(),
		FacedownSeats: sortedSeats(g.facedown),
		ActedSeats:    sortedSeats(g.acted),
		CheeseSeats:   r.cheeseSeatsLocked(),
	}
	if g.phase == wire.PhaseTurns {
		turn := g.turnSeat
		info.TurnSeat = &turn
		if !g.deadline.IsZero() {
			ts := g.deadline.UnixMilli()
			info.DeadlineTs = &ts
		}
	}
	return info
}

func (r *Room) sendStateLocked(p *playerState) {
	event := wire.NewStateEvent(r.roomInfoLocked(), r.gameInfoLocked(), p.seat, string(p.id))
	r.sendToLocked(p, wire.OpState, event)
}

func (r *Room) broadcastLobbyLocked() {
	r.broadcastLocked(wire.OpLobbyUpdate, wire.NewLobbyUpdateEvent(r.playerInfosLocked(), r.settings.info()))
}

// --- Fan-out ---

func (r *Room) broadcastLocked(op wire.Op, event any) {
	r.fanOutLocked(op, event, "")
}

func (r *Room) broadcastExceptLocked(op wire.Op, event any, exclude types.PlayerIdType) {
	r.fanOutLocked(op, event, exclude)
}

// fanOutLocked serializes an event once and enqueues it on every attached
// socket. Members whose outbound queue is full are disconnected; a slow
// consumer must not stall the engine.
func (r *Room) fanOutLocked(op wire.Op, event any, exclude types.PlayerIdType) {
	data, err := wire.Encode(event)
	if err != nil {
		logging.Error(r.ctx, "Failed to encode broadcast frame",
			zap.String("room", string(r.id)),
			zap.String("op", string(op)),
			zap.Error(err))
		return
	}

	var overflowed []*playerState
	sent := 0
	for _, p := range r.players {
		if p.conn == nil || p.id == exclude {
			continue
		}
		if p.conn.Send(data) {
			sent++
		} else {
			overflowed = append(overflowed, p)
		}
	}
	if sent > 0 {
		metrics.MessagesSent.WithLabelValues(string(op)).Add(float64(sent))
	}

	r.publishToBus(op, data)

	for _, p := range overflowed {
		logging.Warn(r.ctx, "Outbound queue overflow, dropping connection",
			zap.String("room", string(r.id)),
			zap.String("playerId", string(p.id)))
		r.dropConnLocked(p, true)
	}
}

func (r *Room) sendToLocked(p *playerState, op wire.Op, event any) {
	if p.conn == nil {
		return
	}
	data, err := wire.Encode(event)
	if err != nil {
		logging.Error(r.ctx, "Failed to encode frame",
			zap.String("room", string(r.id)),
			zap.String("op", string(op)),
			zap.Error(err))
		return
	}
	if !p.conn.Send(data) {
		logging.Warn(r.ctx, "Outbound queue overflow, dropping connection",
			zap.String("room", string(r.id)),
			zap.String("playerId", string(p.id)))
		r.dropConnLocked(p, true)
		return
	}
	metrics.MessagesSent.WithLabelValues(string(op)).Inc()
}

func (r *Room) sendErrorLocked(p *playerState, code wire.ErrorCode, message string) {
	metrics.ProtocolErrors.WithLabelValues(string(code)).Inc()
	r.sendToLocked(p, wire.OpError, wire.NewErrorEvent(code, message))
}
