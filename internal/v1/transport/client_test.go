package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lastsip/server/internal/v1/room"
	"github.com/lastsip/server/internal/v1/types"
)

func testClientTiming() Timing {
	return Timing{
		WriteWait:      100 * time.Millisecond,
		PongWait:       time.Second,
		PingPeriod:     500 * time.Millisecond,
		HeartbeatSweep: 50 * time.Millisecond,
	}
}

func fastRoomTiming() room.Timing {
	return room.Timing{
		ReconnectTimeout:        time.Second,
		DisconnectedTurnTimeout: 20 * time.Millisecond,
		DealHold:                5 * time.Millisecond,
		PerReveal:               5 * time.Millisecond,
		RevealBuffer:            5 * time.Millisecond,
		RoundEndHold:            15 * time.Millisecond,
	}
}

func newTestRoom(t *testing.T) *room.Room {
	t.Helper()
	rm := room.NewRoom(context.Background(), "room-1", "ABC234", room.Options{
		Timing: fastRoomTiming(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rm.Shutdown(ctx)
	})
	return rm
}

func seatPlayer(t *testing.T, rm *room.Room, name string, token types.TokenType) types.PlayerIdType {
	t.Helper()
	res, err := rm.AddPlayer(context.Background(), types.DisplayNameType(name), 1, types.SessionIdType("sess-"+name), token)
	require.NoError(t, err)
	return res.PlayerID
}

type clientFixture struct {
	conn     *mockConn
	client   *Client
	resolver *stubResolver
	done     chan struct{}
}

// startClient runs both pumps against a scripted connection.
func startClient(t *testing.T, resolver *stubResolver) *clientFixture {
	t.Helper()
	conn := newMockConn()
	done := make(chan struct{})
	client := newClient(conn, resolver, testClientTiming(), func(*Client) { close(done) })

	go client.writePump()
	go client.readPump()

	t.Cleanup(func() {
		client.Kill("test finished")
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("client pumps did not stop")
		}
	})
	return &clientFixture{conn: conn, client: client, resolver: resolver, done: done}
}

func waitForOp(t *testing.T, conn *mockConn, op string) map[string]any {
	t.Helper()
	require.Eventually(t, func() bool {
		return conn.lastOf(op) != nil
	}, 2*time.Second, 2*time.Millisecond, "no %s frame written", op)
	return conn.lastOf(op)
}

func waitForError(t *testing.T, conn *mockConn, code string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ev := conn.lastOf("ERROR")
		return ev != nil && ev["code"] == code
	}, 2*time.Second, 2*time.Millisecond, "no ERROR %s written", code)
}

func TestClient_PongsBeforeJoin(t *testing.T) {
	f := startClient(t, newStubResolver())

	f.conn.peerSend(`{"op":"PING","t":42}`)

	pong := waitForOp(t, f.conn, "PONG")
	assert.EqualValues(t, 42, pong["t"])
	assert.Zero(t, f.conn.countOf("ERROR"))
}

func TestClient_IntentBeforeJoinRejected(t *testing.T) {
	f := startClient(t, newStubResolver())

	f.conn.peerSend(`{"op":"READY","ready":true}`)

	waitForError(t, f.conn, "NOT_IN_ROOM")
}

func TestClient_MalformedAndUnknownFrames(t *testing.T) {
	f := startClient(t, newStubResolver())

	f.conn.peerSend(`{"op":`)
	waitForError(t, f.conn, "INVALID_MESSAGE")

	f.conn.peerSend(`{"op":"TELEPORT"}`)
	waitForError(t, f.conn, "UNKNOWN_OP")

	assert.Equal(t, 2, f.conn.countOf("ERROR"))
}

func TestClient_JoinDeliversState(t *testing.T) {
	rm := newTestRoom(t)
	alice := seatPlayer(t, rm, "alice", "tok-a")
	resolver := newStubResolver()
	resolver.add("tok-a", rm, alice)
	f := startClient(t, resolver)

	f.conn.peerSend(`{"op":"JOIN","token":"tok-a"}`)

	state := waitForOp(t, f.conn, "STATE")
	assert.EqualValues(t, 0, state["yourSeat"])
	assert.Equal(t, string(alice), state["yourPlayerId"])
	assert.Nil(t, state["game"])
	roomInfo := state["room"].(map[string]any)
	assert.Equal(t, "LOBBY", roomInfo["status"])
}

func TestClient_JoinUnknownToken(t *testing.T) {
	f := startClient(t, newStubResolver())

	f.conn.peerSend(`{"op":"JOIN","token":"tok-nope"}`)

	waitForError(t, f.conn, "INVALID_TOKEN")
}

func TestClient_JoinWithoutToken(t *testing.T) {
	f := startClient(t, newStubResolver())

	f.conn.peerSend(`{"op":"JOIN"}`)

	waitForError(t, f.conn, "INVALID_MESSAGE")
}

func TestClient_SecondIdentityRejected(t *testing.T) {
	rm := newTestRoom(t)
	alice := seatPlayer(t, rm, "alice", "tok-a")
	bob := seatPlayer(t, rm, "bob", "tok-b")
	resolver := newStubResolver()
	resolver.add("tok-a", rm, alice)
	resolver.add("tok-b", rm, bob)
	f := startClient(t, resolver)

	f.conn.peerSend(`{"op":"JOIN","token":"tok-a"}`)
	waitForOp(t, f.conn, "STATE")

	f.conn.peerSend(`{"op":"JOIN","token":"tok-b"}`)
	waitForError(t, f.conn, "INVALID_ACTION")
	assert.Equal(t, 1, f.conn.countOf("STATE"))
}

func TestClient_RejoinSameTokenResendsState(t *testing.T) {
	rm := newTestRoom(t)
	alice := seatPlayer(t, rm, "alice", "tok-a")
	resolver := newStubResolver()
	resolver.add("tok-a", rm, alice)
	f := startClient(t, resolver)

	f.conn.peerSend(`{"op":"JOIN","token":"tok-a"}`)
	waitForOp(t, f.conn, "STATE")

	f.conn.peerSend(`{"op":"JOIN","token":"tok-a"}`)
	require.Eventually(t, func() bool {
		return f.conn.countOf("STATE") == 2
	}, 2*time.Second, 2*time.Millisecond)
	assert.Zero(t, f.conn.countOf("ERROR"))
}

func TestClient_ForwardsIntentsToRoom(t *testing.T) {
	rm := newTestRoom(t)
	alice := seatPlayer(t, rm, "alice", "tok-a")
	resolver := newStubResolver()
	resolver.add("tok-a", rm, alice)
	f := startClient(t, resolver)

	f.conn.peerSend(`{"op":"JOIN","token":"tok-a"}`)
	waitForOp(t, f.conn, "STATE")

	f.conn.peerSend(`{"op":"READY","ready":true}`)

	require.Eventually(t, func() bool {
		ev := f.conn.lastOf("LOBBY_UPDATE")
		if ev == nil {
			return false
		}
		players := ev["players"].([]any)
		return len(players) == 1 && players[0].(map[string]any)["ready"] == true
	}, 2*time.Second, 2*time.Millisecond)
}

func TestClient_PeerHangupNotifiesRoom(t *testing.T) {
	rm := newTestRoom(t)
	alice := seatPlayer(t, rm, "alice", "tok-a")
	resolver := newStubResolver()
	resolver.add("tok-a", rm, alice)
	f := startClient(t, resolver)

	f.conn.peerSend(`{"op":"JOIN","token":"tok-a"}`)
	waitForOp(t, f.conn, "STATE")

	// A lobby member whose socket dies is removed outright.
	f.conn.peerHangup()
	require.Eventually(t, func() bool {
		return rm.PlayerCount() == 0
	}, 2*time.Second, 2*time.Millisecond)
}

func TestClient_KillSendsCloseFrame(t *testing.T) {
	f := startClient(t, newStubResolver())

	f.client.Kill("over capacity")

	require.Eventually(t, func() bool {
		_, ok := f.conn.closeFrame()
		return ok
	}, 2*time.Second, 2*time.Millisecond)
	payload, _ := f.conn.closeFrame()
	assert.True(t, bytes.Contains(payload, []byte("over capacity")))

	assert.False(t, f.client.Send([]byte(`{}`)))
}

func TestClient_SendOverflow(t *testing.T) {
	conn := newMockConn()
	client := newClient(conn, newStubResolver(), testClientTiming(), nil)

	// No pumps draining: the queue fills and then refuses.
	for i := 0; i < sendQueueSize; i++ {
		require.True(t, client.Send([]byte(`{}`)))
	}
	assert.False(t, client.Send([]byte(`{}`)))

	client.Kill("test finished")
	assert.False(t, client.Send([]byte(`{}`)))
}

func TestClient_BinaryFramesIgnored(t *testing.T) {
	f := startClient(t, newStubResolver())

	f.conn.peerSendBinary([]byte{0x01, 0x02, 0x03})
	f.conn.peerSend(`{"op":"PING","t":7}`)

	pong := waitForOp(t, f.conn, "PONG")
	assert.EqualValues(t, 7, pong["t"])
	assert.Zero(t, f.conn.countOf("ERROR"))
}
