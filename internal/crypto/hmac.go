package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignCallback computes an HMAC-SHA256 over the canonical JSON of an unsigned
// callback body and returns the hex-encoded digest. The recipient recomputes
// the digest over the same bytes before acting on the callback.
func SignCallback(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback reports whether signature is a valid HMAC for body under
// secret, using a constant-time comparison.
func VerifyCallback(body []byte, signature, secret string) bool {
	expected := SignCallback(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
