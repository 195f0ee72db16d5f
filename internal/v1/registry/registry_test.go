package registry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lastsip/server/internal/v1/room"
	"github.com/lastsip/server/internal/v1/types"
)

// stubConn satisfies types.ClientConn with no socket behind it.
type stubConn struct {
	mu     sync.Mutex
	killed []string
}

func (c *stubConn) Send(frame []byte) bool { return true }

func (c *stubConn) Kill(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, reason)
}

func (c *stubConn) killedReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.killed...)
}

// stubBus records the live-room set index writes.
type stubBus struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (b *stubBus) Publish(ctx context.Context, roomID string, op string, frame []byte) error {
	return nil
}

func (b *stubBus) SetAdd(ctx context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added = append(b.added, member)
	return nil
}

func (b *stubBus) SetRem(ctx context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, member)
	return nil
}

func (b *stubBus) Ping(ctx context.Context) error { return nil }
func (b *stubBus) Close() error                   { return nil }

func (b *stubBus) addedMembers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.added...)
}

func (b *stubBus) removedMembers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.removed...)
}

// testTiming keeps rooms snappy while leaving the reconnect window wide
// enough that pending members survive a whole test.
func testTiming() room.Timing {
	return room.Timing{
		ReconnectTimeout:        500 * time.Millisecond,
		DisconnectedTurnTimeout: 20 * time.Millisecond,
		DealHold:                5 * time.Millisecond,
		PerReveal:               5 * time.Millisecond,
		RevealBuffer:            5 * time.Millisecond,
		RoundEndHold:            15 * time.Millisecond,
	}
}

func newTestRegistry(t *testing.T, mutate func(*Options)) (*Registry, *stubBus) {
	t.Helper()
	bus := &stubBus{}
	opts := Options{
		MaxPlayers:   room.DefaultMaxPlayers,
		Settings:     room.DefaultSettings(),
		Timing:       testTiming(),
		IdleTimeout:  10 * time.Second,
		DestroyGrace: 30 * time.Millisecond,
		ReapInterval: 20 * time.Millisecond,
		Bus:          bus,
	}
	if mutate != nil {
		mutate(&opts)
	}
	reg := New(context.Background(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg, bus
}

func mustCreate(t *testing.T, reg *Registry, host string) CreateRoomResult {
	t.Helper()
	res, err := reg.CreateRoom(context.Background(), types.DisplayNameType(host), 1, types.SessionIdType("sess-"+host))
	require.NoError(t, err)
	return res
}

func TestCreateRoom(t *testing.T) {
	reg, bus := newTestRegistry(t, nil)

	res := mustCreate(t, reg, "alice")

	assert.NotEmpty(t, res.RoomID)
	assert.NotEmpty(t, res.Token)
	assert.Len(t, string(res.JoinCode), JoinCodeLength)
	for _, ch := range string(res.JoinCode) {
		assert.Contains(t, joinCodeAlphabet, string(ch))
	}
	assert.Equal(t, 0, res.Seat)
	assert.Equal(t, 1, reg.RoomCount())

	rm, playerID, ok := reg.Resolve(res.Token)
	require.True(t, ok)
	assert.Equal(t, res.RoomID, rm.GetID())
	assert.Equal(t, res.PlayerID, playerID)

	assert.Contains(t, bus.addedMembers(), string(res.RoomID))
}

func TestCreateRoom_InvalidHostName(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	_, err := reg.CreateRoom(context.Background(), "   ", 1, "sess-x")
	require.Error(t, err)
	var re *room.RoomError
	require.ErrorAs(t, err, &re)

	// The half-built room is torn down synchronously.
	assert.Equal(t, 0, reg.RoomCount())
}

func TestJoinRoom(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	created := mustCreate(t, reg, "alice")

	res, err := reg.JoinRoom(context.Background(), string(created.JoinCode), "bob", 2, "sess-bob")
	require.NoError(t, err)

	assert.Equal(t, created.RoomID, res.RoomID)
	assert.Equal(t, 1, res.Seat)
	assert.False(t, res.IsReconnect)
	assert.NotEqual(t, created.Token, res.Token)

	rm, playerID, ok := reg.Resolve(res.Token)
	require.True(t, ok)
	assert.Equal(t, created.RoomID, rm.GetID())
	assert.Equal(t, res.PlayerID, playerID)
	assert.Equal(t, 1, reg.RoomCount())
}

func TestJoinRoom_UnknownCode(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	_, err := reg.JoinRoom(context.Background(), "ZZZZZZ", "bob", 2, "sess-bob")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinRoom_NormalizesCode(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	created := mustCreate(t, reg, "alice")

	sloppy := "  " + strings.ToLower(string(created.JoinCode)) + " "
	res, err := reg.JoinRoom(context.Background(), sloppy, "bob", 2, "sess-bob")
	require.NoError(t, err)
	assert.Equal(t, created.RoomID, res.RoomID)
}

func TestJoinRoom_SameSessionReconnects(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	created := mustCreate(t, reg, "alice")

	joined, err := reg.JoinRoom(context.Background(), string(created.JoinCode), "bob", 2, "sess-bob")
	require.NoError(t, err)

	// bob never attached a socket, so the same session re-joining gets the
	// standing identity back rather than a second seat.
	again, err := reg.JoinRoom(context.Background(), string(created.JoinCode), "bob", 2, "sess-bob")
	require.NoError(t, err)
	assert.True(t, again.IsReconnect)
	assert.Equal(t, joined.Token, again.Token)
	assert.Equal(t, joined.PlayerID, again.PlayerID)
	assert.Equal(t, joined.Seat, again.Seat)
}

func TestResolve_UnknownToken(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	_, _, ok := reg.Resolve("no-such-token")
	assert.False(t, ok)
}

func TestTokenReleasedOnLobbyDisconnect(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	created := mustCreate(t, reg, "alice")
	joined, err := reg.JoinRoom(context.Background(), string(created.JoinCode), "bob", 2, "sess-bob")
	require.NoError(t, err)

	rm, playerID, ok := reg.Resolve(joined.Token)
	require.True(t, ok)
	conn := &stubConn{}
	require.NoError(t, rm.Connect(context.Background(), playerID, conn))

	// A lobby disconnect removes the member outright, which must drop the
	// token binding with it.
	rm.HandleClientDisconnect(playerID, conn)
	_, _, ok = reg.Resolve(joined.Token)
	assert.False(t, ok)
}

func TestEmptyRoomDestroyedAfterGrace(t *testing.T) {
	reg, bus := newTestRegistry(t, func(o *Options) {
		o.Timing.ReconnectTimeout = 40 * time.Millisecond
	})
	created := mustCreate(t, reg, "alice")

	// The host never opens a socket: the reconnect window removes them,
	// the room empties, and teardown follows after the grace period.
	assert.Eventually(t, func() bool {
		return reg.RoomCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	_, _, ok := reg.Resolve(created.Token)
	assert.False(t, ok)

	_, err := reg.JoinRoom(context.Background(), string(created.JoinCode), "bob", 2, "sess-bob")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	assert.Eventually(t, func() bool {
		for _, id := range bus.removedMembers() {
			if id == string(created.RoomID) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestJoinCancelsPendingDestroy(t *testing.T) {
	reg, _ := newTestRegistry(t, func(o *Options) {
		o.DestroyGrace = 100 * time.Millisecond
	})
	created := mustCreate(t, reg, "alice")

	rm, hostID, ok := reg.Resolve(created.Token)
	require.True(t, ok)
	conn := &stubConn{}
	require.NoError(t, rm.Connect(context.Background(), hostID, conn))
	rm.HandleClientDisconnect(hostID, conn)

	// The room is empty and marked for teardown; a join inside the grace
	// window keeps it alive.
	res, err := reg.JoinRoom(context.Background(), string(created.JoinCode), "bob", 2, "sess-bob")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Seat)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, reg.RoomCount())
	_, _, ok = reg.Resolve(res.Token)
	assert.True(t, ok)
}

func TestIdleRoomReaped(t *testing.T) {
	reg, _ := newTestRegistry(t, func(o *Options) {
		o.IdleTimeout = 50 * time.Millisecond
		o.Timing.ReconnectTimeout = 10 * time.Second
	})
	created := mustCreate(t, reg, "alice")

	// Member present, zero sockets ever attached: the sweep collects the
	// room once the idle timeout passes and purges the standing binding.
	assert.Eventually(t, func() bool {
		return reg.RoomCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	_, _, ok := reg.Resolve(created.Token)
	assert.False(t, ok)
}

func TestConcurrentCreates(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	const n = 10
	var wg sync.WaitGroup
	results := make([]CreateRoomResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := types.DisplayNameType("host" + string(rune('a'+i)))
			results[i], errs[i] = reg.CreateRoom(context.Background(), name, 1, types.SessionIdType("sess"+string(rune('a'+i))))
		}(i)
	}
	wg.Wait()

	codes := make(map[types.JoinCodeType]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, codes[results[i].JoinCode], "join codes must be unique")
		codes[results[i].JoinCode] = true
	}
	assert.Equal(t, n, reg.RoomCount())
}

func TestShutdown(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	created := mustCreate(t, reg, "alice")

	rm, hostID, ok := reg.Resolve(created.Token)
	require.True(t, ok)
	conn := &stubConn{}
	require.NoError(t, rm.Connect(context.Background(), hostID, conn))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(ctx))

	assert.Equal(t, 0, reg.RoomCount())
	assert.Contains(t, conn.killedReasons(), "room closed")

	_, err := reg.CreateRoom(context.Background(), "bob", 1, "sess-bob")
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = reg.JoinRoom(context.Background(), string(created.JoinCode), "bob", 1, "sess-bob")
	assert.ErrorIs(t, err, ErrShuttingDown)

	// Idempotent.
	require.NoError(t, reg.Shutdown(ctx))
}

func TestGenerateJoinCode(t *testing.T) {
	seen := make(map[types.JoinCodeType]bool)
	for i := 0; i < 50; i++ {
		code, err := generateJoinCode()
		require.NoError(t, err)
		assert.Len(t, string(code), JoinCodeLength)
		for _, ch := range string(code) {
			assert.Contains(t, joinCodeAlphabet, string(ch))
		}
		seen[code] = true
	}
	// 50 draws from a billion-code space never collide in practice.
	assert.Greater(t, len(seen), 45)
}

func TestNormalizeJoinCode(t *testing.T) {
	assert.Equal(t, types.JoinCodeType("ABC234"), NormalizeJoinCode("  abc234 "))
	assert.Equal(t, types.JoinCodeType("XYZ789"), NormalizeJoinCode("xYz789"))
}

func TestReapLeavesHealthyRoomsAlone(t *testing.T) {
	reg, _ := newTestRegistry(t, func(o *Options) {
		o.IdleTimeout = 50 * time.Millisecond
	})
	created := mustCreate(t, reg, "alice")

	rm, hostID, ok := reg.Resolve(created.Token)
	require.True(t, ok)
	conn := &stubConn{}
	require.NoError(t, rm.Connect(context.Background(), hostID, conn))

	// Connected rooms are never idle, no matter how long they sit.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, reg.RoomCount())
}
