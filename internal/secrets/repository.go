package secrets

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/postgres"
)

// Repository is the persistence interface for repo secrets.
type Repository interface {
	Upsert(ctx context.Context, s Secret) error
	UpsertBatch(ctx context.Context, items []Secret) error
	List(ctx context.Context, repoID int64) ([]Secret, error)
	Delete(ctx context.Context, repoID int64, key string) error
}

const selectColumns = "repo_id, repo_owner, repo_name, key, encrypted_value, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed secrets repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Upsert inserts or replaces one secret.
func (r *PGRepository) Upsert(ctx context.Context, s Secret) error {
	if _, err := r.db.Exec(ctx,
		`INSERT INTO repo_secrets (repo_id, repo_owner, repo_name, key, encrypted_value)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (repo_id, key) DO UPDATE SET
		   encrypted_value = EXCLUDED.encrypted_value,
		   repo_owner = EXCLUDED.repo_owner,
		   repo_name = EXCLUDED.repo_name,
		   updated_at = now()`,
		s.RepoID, s.RepoOwner, s.RepoName, s.Key, s.EncryptedValue); err != nil {
		return fmt.Errorf("upsert secret %s: %w", s.Key, err)
	}
	return nil
}

// UpsertBatch writes several secrets in one transaction so a partial failure
// never leaves the repo half-updated.
func (r *PGRepository) UpsertBatch(ctx context.Context, items []Secret) error {
	if len(items) == 0 {
		return nil
	}
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, s := range items {
			if _, err := tx.Exec(ctx,
				`INSERT INTO repo_secrets (repo_id, repo_owner, repo_name, key, encrypted_value)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (repo_id, key) DO UPDATE SET
				   encrypted_value = EXCLUDED.encrypted_value,
				   repo_owner = EXCLUDED.repo_owner,
				   repo_name = EXCLUDED.repo_name,
				   updated_at = now()`,
				s.RepoID, s.RepoOwner, s.RepoName, s.Key, s.EncryptedValue); err != nil {
				return fmt.Errorf("upsert secret %s: %w", s.Key, err)
			}
		}
		return nil
	})
}

// List returns all secrets for a repo ordered by key.
func (r *PGRepository) List(ctx context.Context, repoID int64) ([]Secret, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM repo_secrets WHERE repo_id = $1 ORDER BY key", repoID)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var result []Secret
	for rows.Next() {
		var s Secret
		if err := rows.Scan(&s.RepoID, &s.RepoOwner, &s.RepoName, &s.Key,
			&s.EncryptedValue, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// Delete removes one secret.
func (r *PGRepository) Delete(ctx context.Context, repoID int64, key string) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM repo_secrets WHERE repo_id = $1 AND key = $2", repoID, key)
	if err != nil {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
