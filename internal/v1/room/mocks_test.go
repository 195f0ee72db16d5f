package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lastsip/server/internal/v1/types"
	"github.com/lastsip/server/pkg/wire"
)

// fakeConn is a ClientConn that records every frame it is handed. Setting
// full makes Send report an overflowing queue.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	killed []string
	full   bool
}

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.frames = append(c.frames, cp)
	return true
}

func (c *fakeConn) Kill(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, reason)
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *fakeConn) killedReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.killed...)
}

func (c *fakeConn) rawFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) events() []map[string]any {
	var out []map[string]any
	for _, f := range c.rawFrames() {
		var m map[string]any
		if json.Unmarshal(f, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) eventsOf(op wire.Op) []map[string]any {
	var out []map[string]any
	for _, e := range c.events() {
		if e["op"] == string(op) {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) lastOf(op wire.Op) map[string]any {
	evs := c.eventsOf(op)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

func (c *fakeConn) countOf(op wire.Op) int {
	return len(c.eventsOf(op))
}

func (c *fakeConn) lastErrorCode() wire.ErrorCode {
	ev := c.lastOf(wire.OpError)
	if ev == nil {
		return ""
	}
	return wire.ErrorCode(ev["code"].(string))
}

func (c *fakeConn) revealSeats() []int {
	seats := []int{}
	for _, e := range c.eventsOf(wire.OpReveal) {
		seats = append(seats, int(e["seat"].(float64)))
	}
	return seats
}

// fakeBus records mirrored frames.
type fakeBus struct {
	mu        sync.Mutex
	published []busRecord
}

type busRecord struct {
	roomID string
	op     string
	frame  []byte
}

func (b *fakeBus) Publish(_ context.Context, roomID string, op string, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, busRecord{roomID: roomID, op: op, frame: frame})
	return nil
}

func (b *fakeBus) SetAdd(context.Context, string, string) error { return nil }
func (b *fakeBus) SetRem(context.Context, string, string) error { return nil }
func (b *fakeBus) Ping(context.Context) error                   { return nil }
func (b *fakeBus) Close() error                                 { return nil }

func (b *fakeBus) countOf(op wire.Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, rec := range b.published {
		if rec.op == string(op) {
			n++
		}
	}
	return n
}

// testTiming compresses every hold and window so phase flow is observable
// without slowing the suite down.
func testTiming() Timing {
	return Timing{
		ReconnectTimeout:        60 * time.Millisecond,
		DisconnectedTurnTimeout: 20 * time.Millisecond,
		DealHold:                5 * time.Millisecond,
		PerReveal:               5 * time.Millisecond,
		RevealBuffer:            5 * time.Millisecond,
		RoundEndHold:            15 * time.Millisecond,
	}
}

// newTestRoom builds a room with deterministic randomness (always picks the
// lowest option, so the first dealer is the lowest alive seat) and cheese
// off unless the test opts in.
func newTestRoom(t *testing.T, opts Options) *Room {
	t.Helper()
	if opts.Timing == (Timing{}) {
		opts.Timing = testTiming()
	}
	if opts.Rand == nil {
		opts.Rand = func(int) int { return 0 }
	}
	if opts.Settings == (Settings{}) {
		opts.Settings = Settings{TurnTimerSeconds: 30, CheeseEnabled: false, CheeseCount: DefaultCheeseCount}
	}
	r := NewRoom(context.Background(), "room-1", "ABC234", opts)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

type member struct {
	id    types.PlayerIdType
	seat  int
	token types.TokenType
	sess  types.SessionIdType
	conn  *fakeConn
}

func join(t *testing.T, r *Room, name string) *member {
	t.Helper()
	sess := types.SessionIdType("sess-" + name)
	res, err := r.AddPlayer(context.Background(), types.DisplayNameType(name), 1, sess, types.TokenType("tok-"+name))
	require.NoError(t, err)
	c := &fakeConn{}
	require.NoError(t, r.Connect(context.Background(), res.PlayerID, c))
	return &member{id: res.PlayerID, seat: res.Seat, token: res.Token, sess: sess, conn: c}
}

// reconnect re-joins with a member's session and attaches a fresh socket.
func reconnect(t *testing.T, r *Room, m *member) *member {
	t.Helper()
	res, err := r.AddPlayer(context.Background(), "ignored", 1, m.sess, "tok-fresh")
	require.NoError(t, err)
	require.True(t, res.IsReconnect)
	c := &fakeConn{}
	require.NoError(t, r.Connect(context.Background(), res.PlayerID, c))
	return &member{id: res.PlayerID, seat: res.Seat, token: res.Token, sess: m.sess, conn: c}
}

func lobby3(t *testing.T, r *Room) (host, b, c *member) {
	t.Helper()
	host = join(t, r, "alice")
	b = join(t, r, "bob")
	c = join(t, r, "cara")
	return host, b, c
}

// startGame readies everyone but the host and has the host start. With the
// deterministic rand the dealer lands on the lowest alive seat.
func startGame(t *testing.T, r *Room, host *member, others ...*member) {
	t.Helper()
	for _, m := range others {
		r.Router(context.Background(), m.id, wire.OpReady, &wire.ReadyIntent{Ready: true})
	}
	r.Router(context.Background(), host.id, wire.OpStartGame, nil)
	require.Equal(t, wire.PhaseDealerSetup, currentPhase(r))
}

// dealRound submits a composition covering the alive seats in ascending seat
// order and waits for the first turn.
func dealRound(t *testing.T, r *Room, dealer *member, cards ...wire.CardType) {
	t.Helper()
	r.Router(context.Background(), dealer.id, wire.OpDealerSet, &wire.DealerSetIntent{Composition: cards})
	waitPhase(t, r, wire.PhaseTurns)
}

func drink(r *Room, m *member) {
	r.Router(context.Background(), m.id, wire.OpActionDrink, nil)
}

func swap(r *Room, m *member, target int) {
	r.Router(context.Background(), m.id, wire.OpActionSwap, &wire.SwapIntent{TargetSeat: &target})
}

func steal(r *Room, m *member, target int) {
	r.Router(context.Background(), m.id, wire.OpActionStealCheese, &wire.StealCheeseIntent{TargetSeat: &target})
}

func vote(r *Room, m *member, yes bool) {
	r.Router(context.Background(), m.id, wire.OpVoteRematch, &wire.VoteRematchIntent{Vote: yes})
}

// --- State probes ---

func currentPhase(r *Room) wire.Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.game == nil {
		return ""
	}
	return r.game.phase
}

func currentTurnSeat(r *Room) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.game.turnSeat
}

func currentDealerSeat(r *Room) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.game.dealerSeat
}

func currentRound(r *Room) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.game.roundIndex
}

func roomStatus(r *Room) wire.RoomStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func hostOf(r *Room) types.PlayerIdType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostID
}

func seatAlive(r *Room, seat int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.playerBySeatLocked(seat)
	return p != nil && p.alive
}

func seatConnected(r *Room, seat int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.playerBySeatLocked(seat)
	return p != nil && p.connected()
}

func cardAt(r *Room, seat int) wire.CardType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.game.cardBySeat[seat]
}

// setCheese pins cheese to exactly the given seats.
func setCheese(r *Room, seats ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players {
		p.hasCheese = false
	}
	for _, s := range seats {
		if p := r.playerBySeatLocked(s); p != nil {
			p.hasCheese = true
		}
	}
}

func waitPhase(t *testing.T, r *Room, phase wire.Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return currentPhase(r) == phase },
		2*time.Second, 2*time.Millisecond, "expected phase %s, still %s", phase, currentPhase(r))
}

// waitEvent waits until the connection has seen at least one frame with the
// given op and returns the latest.
func waitEvent(t *testing.T, c *fakeConn, op wire.Op) map[string]any {
	t.Helper()
	var ev map[string]any
	require.Eventually(t, func() bool {
		ev = c.lastOf(op)
		return ev != nil
	}, 2*time.Second, 2*time.Millisecond, "timed out waiting for %s", op)
	return ev
}

func waitStatus(t *testing.T, r *Room, status wire.RoomStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return roomStatus(r) == status },
		2*time.Second, 2*time.Millisecond)
}
