// Package secrets manages per-repository secrets injected into sandbox
// environments. Values are stored only as AES-256-GCM ciphertexts; names are
// validated against the POSIX environment-variable grammar and a reserved set
// the platform itself populates.
package secrets

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxKeyLength bounds secret names.
	MaxKeyLength = 256
	// MaxValueSize bounds one secret value.
	MaxValueSize = 16 * 1024
	// MaxTotalSize bounds the combined plaintext size of all secrets per repo.
	MaxTotalSize = 64 * 1024
	// MaxSecretCount bounds the number of secrets per repo.
	MaxSecretCount = 50
)

// Sentinel errors for validation and quota failures.
var (
	ErrInvalidKey     = errors.New("secret name must start with a letter or underscore and contain only letters, digits, and underscores")
	ErrKeyTooLong     = fmt.Errorf("secret name exceeds %d characters", MaxKeyLength)
	ErrReservedKey    = errors.New("secret name is reserved")
	ErrValueTooLarge  = fmt.Errorf("secret value exceeds %d bytes", MaxValueSize)
	ErrQuotaExceeded  = fmt.Errorf("total secret size exceeds %d bytes", MaxTotalSize)
	ErrTooManySecrets = fmt.Errorf("exceeds %d secrets limit", MaxSecretCount)
	ErrNotFound       = errors.New("secret not found")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedKeys are names the platform injects itself. The check is
// case-insensitive so a lowercase variant cannot shadow the real value.
var reservedKeys = map[string]bool{
	"GITHUB_TOKEN":      true,
	"OPENAI_API_KEY":    true,
	"ANTHROPIC_API_KEY": true,
	"GEMINI_API_KEY":    true,
}

var reservedPrefixes = []string{"PARTICL_", "MODAL_"}

// NormalizeKey upper-cases a secret name. Storage and lookup always use the
// normalized form.
func NormalizeKey(key string) string {
	return strings.ToUpper(key)
}

// ValidateKey checks a secret name against the grammar, length bound, and
// reserved set.
func ValidateKey(key string) error {
	if len(key) == 0 || len(key) > MaxKeyLength {
		if len(key) > MaxKeyLength {
			return ErrKeyTooLong
		}
		return ErrInvalidKey
	}
	if !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	upper := NormalizeKey(key)
	if reservedKeys[upper] {
		return fmt.Errorf("%w: %s", ErrReservedKey, upper)
	}
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return fmt.Errorf("%w: %s", ErrReservedKey, upper)
		}
	}
	return nil
}

// ValidateValue checks a single secret value against the size bound.
func ValidateValue(value string) error {
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}

// Secret is one stored repo secret. Value holds ciphertext when read from the
// repository; the plaintext exists only transiently during injection.
type Secret struct {
	RepoID         int64
	RepoOwner      string
	RepoName       string
	Key            string
	EncryptedValue string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
