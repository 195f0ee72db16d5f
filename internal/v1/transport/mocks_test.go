package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lastsip/server/internal/v1/room"
	"github.com/lastsip/server/internal/v1/types"
)

var errMockClosed = errors.New("mock connection closed")

type mockFrame struct {
	messageType int
	data        []byte
}

// mockConn scripts a WebSocket connection: the test feeds inbound frames
// through a channel and inspects everything the client wrote.
type mockConn struct {
	inbound chan mockFrame

	mu      sync.Mutex
	written []mockFrame
	closed  bool
	closeCh chan struct{}
	once    sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan mockFrame, 16),
		closeCh: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-m.inbound:
		return f.messageType, f.data, nil
	case <-m.closeCh:
		return 0, nil, errMockClosed
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMockClosed
	}
	buf := append([]byte(nil), data...)
	m.written = append(m.written, mockFrame{messageType: messageType, data: buf})
	return nil
}

func (m *mockConn) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.closeCh)
	})
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetReadLimit(int64)                {}
func (m *mockConn) SetPongHandler(func(string) error) {}

// peerSend simulates the remote side sending a text frame.
func (m *mockConn) peerSend(frame string) {
	m.inbound <- mockFrame{messageType: websocket.TextMessage, data: []byte(frame)}
}

// peerSendBinary simulates a binary frame, which the client must ignore.
func (m *mockConn) peerSendBinary(data []byte) {
	m.inbound <- mockFrame{messageType: websocket.BinaryMessage, data: data}
}

// peerHangup simulates the remote side dropping the connection.
func (m *mockConn) peerHangup() {
	_ = m.Close()
}

// writtenEvents decodes every text frame written so far.
func (m *mockConn) writtenEvents() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, f := range m.written {
		if f.messageType != websocket.TextMessage {
			continue
		}
		var ev map[string]any
		if json.Unmarshal(f.data, &ev) == nil {
			out = append(out, ev)
		}
	}
	return out
}

// lastOf returns the newest written event with the given op.
func (m *mockConn) lastOf(op string) map[string]any {
	events := m.writtenEvents()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i]["op"] == op {
			return events[i]
		}
	}
	return nil
}

func (m *mockConn) countOf(op string) int {
	n := 0
	for _, ev := range m.writtenEvents() {
		if ev["op"] == op {
			n++
		}
	}
	return n
}

// closeFrame returns the payload of the close frame, if one was written.
func (m *mockConn) closeFrame() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.written {
		if f.messageType == websocket.CloseMessage {
			return f.data, true
		}
	}
	return nil, false
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// stubResolver maps tokens to seats without a registry.
type stubResolver struct {
	mu       sync.Mutex
	bindings map[types.TokenType]struct {
		rm       *room.Room
		playerID types.PlayerIdType
	}
}

func newStubResolver() *stubResolver {
	return &stubResolver{
		bindings: make(map[types.TokenType]struct {
			rm       *room.Room
			playerID types.PlayerIdType
		}),
	}
}

func (s *stubResolver) add(token types.TokenType, rm *room.Room, playerID types.PlayerIdType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[token] = struct {
		rm       *room.Room
		playerID types.PlayerIdType
	}{rm, playerID}
}

func (s *stubResolver) Resolve(token types.TokenType) (*room.Room, types.PlayerIdType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[token]
	if !ok {
		return nil, "", false
	}
	return b.rm, b.playerID, true
}
