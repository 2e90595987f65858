package secrets

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/crypto"
)

// RepoRef identifies the repository a secret belongs to.
type RepoRef struct {
	ID    int64
	Owner string
	Name  string
}

// Service layers validation, quota enforcement, and envelope encryption over
// the repository.
type Service struct {
	repo      Repository
	masterKey string
	log       zerolog.Logger
}

// NewService creates a secrets service keyed by the process master key.
func NewService(repo Repository, masterKey string, logger zerolog.Logger) *Service {
	return &Service{repo: repo, masterKey: masterKey, log: logger}
}

// Set validates, encrypts, and stores a batch of secrets for a repo. All
// quota checks run against the post-write state so an update that replaces an
// existing value is not double-counted.
func (s *Service) Set(ctx context.Context, ref RepoRef, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	normalized := make(map[string]string, len(values))
	for key, value := range values {
		if err := ValidateKey(key); err != nil {
			return fmt.Errorf("secret %q: %w", key, err)
		}
		if err := ValidateValue(value); err != nil {
			return fmt.Errorf("secret %q: %w", key, err)
		}
		normalized[NormalizeKey(key)] = value
	}

	existing, err := s.repo.List(ctx, ref.ID)
	if err != nil {
		return err
	}

	count := len(normalized)
	total := 0
	for _, value := range normalized {
		total += len(value)
	}
	for _, sec := range existing {
		if _, replaced := normalized[sec.Key]; replaced {
			continue
		}
		count++
		plain, err := crypto.Decrypt(sec.EncryptedValue, s.masterKey)
		if err != nil {
			return fmt.Errorf("decrypt existing secret %s: %w", sec.Key, err)
		}
		total += len(plain)
	}
	if count > MaxSecretCount {
		return ErrTooManySecrets
	}
	if total > MaxTotalSize {
		return ErrQuotaExceeded
	}

	items := make([]Secret, 0, len(normalized))
	for key, value := range normalized {
		enc, err := crypto.Encrypt(value, s.masterKey)
		if err != nil {
			return fmt.Errorf("encrypt secret %s: %w", key, err)
		}
		items = append(items, Secret{
			RepoID:         ref.ID,
			RepoOwner:      ref.Owner,
			RepoName:       ref.Name,
			Key:            key,
			EncryptedValue: enc,
		})
	}
	return s.repo.UpsertBatch(ctx, items)
}

// Keys returns the stored secret names for a repo. Values are never listed.
func (s *Service) Keys(ctx context.Context, repoID int64) ([]string, error) {
	stored, err := s.repo.List(ctx, repoID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(stored))
	for i, sec := range stored {
		keys[i] = sec.Key
	}
	return keys, nil
}

// Delete removes one secret by normalized name.
func (s *Service) Delete(ctx context.Context, repoID int64, key string) error {
	return s.repo.Delete(ctx, repoID, NormalizeKey(key))
}

// DecryptAll returns the plaintext environment map for sandbox injection. A
// value that fails to decrypt aborts the whole injection and names the
// offending key, because launching with a silently missing secret is worse
// than failing loudly.
func (s *Service) DecryptAll(ctx context.Context, repoID int64) (map[string]string, error) {
	stored, err := s.repo.List(ctx, repoID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(stored))
	for _, sec := range stored {
		plain, err := crypto.Decrypt(sec.EncryptedValue, s.masterKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt secret %s: %w", sec.Key, err)
		}
		env[sec.Key] = plain
	}
	return env, nil
}
