package crypto

import (
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		plaintext string
	}{
		{"short value", "ghp_abc123"},
		{"empty value", ""},
		{"non-ascii value", "clé secrète é世界"},
		{"large value", strings.Repeat("x", 16*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ct, err := Encrypt(tt.plaintext, testKey)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if ct == tt.plaintext && tt.plaintext != "" {
				t.Fatal("ciphertext equals plaintext")
			}
			got, err := Decrypt(ct, testKey)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if got != tt.plaintext {
				t.Errorf("round trip = %q, want %q", got, tt.plaintext)
			}
		})
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	t.Parallel()

	a, err := Encrypt("same value", testKey)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	b, err := Encrypt("same value", testKey)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestDecryptRejectsBadInput(t *testing.T) {
	t.Parallel()

	ct, err := Encrypt("value", testKey)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	tests := []struct {
		name string
		ct   string
		key  string
	}{
		{"wrong key", ct, strings.Repeat("ff", 32)},
		{"not base64", "!!!not-base64!!!", testKey},
		{"too short", "YWJj", testKey},
		{"tampered ciphertext", ct[:len(ct)-5] + "AAAA=", testKey},
		{"malformed key", ct, "deadbeef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decrypt(tt.ct, tt.key); err == nil {
				t.Error("Decrypt() succeeded, want error")
			}
		})
	}
}

func TestNewToken(t *testing.T) {
	t.Parallel()

	a := NewToken()
	b := NewToken()
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two tokens are identical")
	}
	for _, r := range a {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("token contains non-hex rune %q", r)
		}
	}
}

func TestHashToken(t *testing.T) {
	t.Parallel()

	h := HashToken("my-token")
	if len(h) != 64 {
		t.Errorf("hash length = %d, want 64", len(h))
	}
	if h == "my-token" {
		t.Error("hash equals input")
	}
	if HashToken("my-token") != h {
		t.Error("hash is not deterministic")
	}
	if HashToken("other-token") == h {
		t.Error("distinct tokens hash identically")
	}
}

func TestSignVerifyCallback(t *testing.T) {
	t.Parallel()

	body := []byte(`{"sessionId":"abc","success":true}`)
	sig := SignCallback(body, "secret")

	if !VerifyCallback(body, sig, "secret") {
		t.Error("valid signature rejected")
	}
	if VerifyCallback(body, sig, "other-secret") {
		t.Error("signature verified under wrong secret")
	}
	if VerifyCallback([]byte(`{"sessionId":"abc","success":false}`), sig, "secret") {
		t.Error("signature verified over modified body")
	}
	if VerifyCallback(body, "deadbeef", "secret") {
		t.Error("bogus signature verified")
	}
}
