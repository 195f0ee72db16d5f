package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Tokens are opaque bearer credentials minted when a player is added to a
// room and resolved server-side against the registry. Nothing is encoded
// inside them; possession is the only proof of identity.

// tokenEntropyBytes is the random payload carried by each minted token.
const tokenEntropyBytes = 32

// MintToken returns a fresh URL-safe bearer token.
func MintToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
