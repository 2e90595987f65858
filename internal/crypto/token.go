package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// NewToken generates a 256-bit random token encoded as 64 hex characters.
// Used for both WebSocket auth tokens and sandbox auth tokens.
func NewToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// HashToken returns the hex-encoded SHA-256 digest of a token. Only the hash
// is persisted; the plaintext exists solely in the response that issued it.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
