package types

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// --- Core Domain Types ---

// RoomIdType represents a unique identifier for a game room.
type RoomIdType string

// PlayerIdType represents a stable identifier for a player within a room.
type PlayerIdType string

// SessionIdType is a client-supplied identifier, stable across tab reloads,
// used to deduplicate joins from the same browser.
type SessionIdType string

// TokenType is an opaque bearer credential issued by the HTTP surface and
// presented over the message channel.
type TokenType string

// JoinCodeType is the 6-character human-typable room code.
type JoinCodeType string

// DisplayNameType represents the human-readable name for a player.
type DisplayNameType string

const (
	// MaxDisplayNameLength bounds player names.
	MaxDisplayNameLength = 20
)

// ValidateDisplayName ensures a player name is 1-20 printable characters.
func ValidateDisplayName(name DisplayNameType) error {
	s := string(name)
	if len(strings.TrimSpace(s)) == 0 {
		return errors.New("name cannot be empty")
	}
	if len([]rune(s)) > MaxDisplayNameLength {
		return errors.New("name cannot exceed 20 characters")
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return errors.New("name contains non-printable characters")
		}
	}
	return nil
}

// Normalized returns the case-insensitive comparison key for a name.
func (d DisplayNameType) Normalized() string {
	return strings.ToLower(strings.TrimSpace(string(d)))
}

// --- Shared Interfaces ---

// BusService defines the interface for the Redis event mirror and the shared
// room index.
type BusService interface {
	Publish(ctx context.Context, roomID string, op string, frame []byte) error
	SetAdd(ctx context.Context, key string, member string) error
	SetRem(ctx context.Context, key string, member string) error
	Ping(ctx context.Context) error
	Close() error
}

// ClientConn defines the behavior the room needs from a WebSocket connection.
// This allows the room package to fan out frames without depending on the
// transport package.
type ClientConn interface {
	// Send enqueues an encoded frame on the connection's outbound queue.
	// It reports false when the queue is full; the caller must treat the
	// connection as dead and not call Send again.
	Send(frame []byte) bool
	// Kill forcefully closes the underlying connection. It must not block.
	Kill(reason string)
}
