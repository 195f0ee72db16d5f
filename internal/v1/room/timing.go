package room

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/lastsip/server/pkg/wire"
)

// Timing groups every duration the engine schedules. Tests shrink these to
// milliseconds; production uses DefaultTiming.
type Timing struct {
	// ReconnectTimeout is the grace window during which a disconnected
	// player's token stays bound and their seat is held.
	ReconnectTimeout time.Duration
	// DisconnectedTurnTimeout replaces the configured turn timer when the
	// turn owner is disconnected, and paces the auto reveal when the
	// dealer is gone.
	DisconnectedTurnTimeout time.Duration
	// DealHold is the visual pause between dealing and the first turn.
	DealHold time.Duration
	// PerReveal spaces the card flips of the final reveal.
	PerReveal time.Duration
	// RevealBuffer is the pause after the last flip before the round is
	// scored.
	RevealBuffer time.Duration
	// RoundEndHold is the pause on the round summary before the next
	// round starts.
	RoundEndHold time.Duration
}

// DefaultTiming returns the production schedule.
func DefaultTiming() Timing {
	return Timing{
		ReconnectTimeout:        60 * time.Second,
		DisconnectedTurnTimeout: 5 * time.Second,
		DealHold:                1500 * time.Millisecond,
		PerReveal:               1200 * time.Millisecond,
		RevealBuffer:            800 * time.Millisecond,
		RoundEndHold:            3 * time.Second,
	}
}

// cryptoIntn returns a uniform-ish random int in [0, n) backed by the
// system CSPRNG. Determinism is not a requirement anywhere in the engine, so
// the modulo bias on non-power-of-two n is acceptable.
func cryptoIntn(n int) int {
	if n <= 1 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the host is broken; fall back to a
		// clock-derived value rather than panicking a live room.
		return int(time.Now().UnixNano()) % n
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}

// shuffleInts is an in-place Fisher-Yates using the room's random source.
func shuffleInts(s []int, intn func(int) int) {
	for i := len(s) - 1; i > 0; i-- {
		j := intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// shuffleCards is an in-place Fisher-Yates over card values.
func shuffleCards(s []wire.CardType, intn func(int) int) {
	for i := len(s) - 1; i > 0; i-- {
		j := intn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}
