package registry

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/lastsip/server/internal/v1/types"
)

// Join codes are what players type on their phones, so the alphabet drops
// the lookalikes I, O, 0 and 1. Exactly 32 symbols: a random byte masked to
// five bits indexes it uniformly.
const (
	JoinCodeLength   = 6
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// generateJoinCode returns a random code. Uniqueness is the caller's
// problem; the registry re-rolls on collision with a live room.
func generateJoinCode() (types.JoinCodeType, error) {
	buf := make([]byte, JoinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate join code: %w", err)
	}
	code := make([]byte, JoinCodeLength)
	for i, b := range buf {
		code[i] = joinCodeAlphabet[int(b)&31]
	}
	return types.JoinCodeType(code), nil
}

// freeJoinCodeLocked rolls codes until one is unclaimed. Collisions are a
// one-in-a-billion event per live room, so the loop is effectively one pass.
func (reg *Registry) freeJoinCodeLocked() (types.JoinCodeType, error) {
	for {
		code, err := generateJoinCode()
		if err != nil {
			return "", err
		}
		if _, taken := reg.roomsByJoinCode[code]; !taken {
			return code, nil
		}
	}
}

// NormalizeJoinCode maps user input onto the canonical form: trimmed and
// uppercased. The confusable symbols the alphabet omits are not mapped back;
// a code containing them simply never matches.
func NormalizeJoinCode(raw string) types.JoinCodeType {
	return types.JoinCodeType(strings.ToUpper(strings.TrimSpace(raw)))
}
