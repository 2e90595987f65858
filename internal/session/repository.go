package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/postgres"
)

// Repository is the persistence interface for sessions.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Session, error)
	GetByName(ctx context.Context, sessionName string) (*Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	SetBranchName(ctx context.Context, id uuid.UUID, branch string) error
	SetCurrentSHA(ctx context.Context, id uuid.UUID, sha string) error
	SetRepoInfo(ctx context.Context, id uuid.UUID, defaultBranch string, repoID int64) error
}

const selectColumns = `id, session_name, title, repo_owner, repo_name, repo_default_branch,
repo_id, branch_name, base_sha, current_sha, model, status, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed session repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new session row in status "created".
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Session, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO sessions (session_name, title, repo_owner, repo_name, model)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+selectColumns,
		params.SessionName, params.Title, params.RepoOwner, params.RepoName, params.Model,
	)
	s, err := scanSession(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// GetByName returns the session with the given external routing name.
func (r *PGRepository) GetByName(ctx context.Context, sessionName string) (*Session, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM sessions WHERE session_name = $1", sessionName)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session by name: %w", err)
	}
	return s, nil
}

// GetByID returns the session with the given internal id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM sessions WHERE id = $1", id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session by id: %w", err)
	}
	return s, nil
}

// UpdateStatus transitions the session status.
func (r *PGRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBranchName records the working branch.
func (r *PGRepository) SetBranchName(ctx context.Context, id uuid.UUID, branch string) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE sessions SET branch_name = $2, updated_at = now() WHERE id = $1", id, branch); err != nil {
		return fmt.Errorf("update session branch: %w", err)
	}
	return nil
}

// SetCurrentSHA records the most recent commit observed via git_sync.
func (r *PGRepository) SetCurrentSHA(ctx context.Context, id uuid.UUID, sha string) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE sessions SET current_sha = $2, updated_at = now() WHERE id = $1", id, sha); err != nil {
		return fmt.Errorf("update session sha: %w", err)
	}
	return nil
}

// SetRepoInfo records repository metadata resolved from the code host.
func (r *PGRepository) SetRepoInfo(ctx context.Context, id uuid.UUID, defaultBranch string, repoID int64) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE sessions SET repo_default_branch = $2, repo_id = $3, updated_at = now() WHERE id = $1",
		id, defaultBranch, repoID); err != nil {
		return fmt.Errorf("update session repo info: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.SessionName, &s.Title, &s.RepoOwner, &s.RepoName, &s.RepoDefaultBranch,
		&s.RepoID, &s.BranchName, &s.BaseSHA, &s.CurrentSHA, &s.Model, &s.Status,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
