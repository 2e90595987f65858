package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Repository is the persistence interface for participants.
type Repository interface {
	Upsert(ctx context.Context, params UpsertParams) (*Participant, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Participant, error)
	GetByUserID(ctx context.Context, sessionID uuid.UUID, userID string) (*Participant, error)
	GetByTokenHash(ctx context.Context, sessionID uuid.UUID, tokenHash string) (*Participant, error)
	List(ctx context.Context, sessionID uuid.UUID) ([]Participant, error)
	SetWSToken(ctx context.Context, id uuid.UUID, tokenHash string, issuedAt time.Time) error
	UpdateHostTokens(ctx context.Context, id uuid.UUID, accessEnc, refreshEnc *string, expiresAt *time.Time) error
}

const selectColumns = `id, session_id, user_id, github_login, github_name, github_email,
github_user_id, role, access_token_enc, refresh_token_enc, token_expires_at,
ws_auth_token_hash, ws_token_issued_at, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed participant repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Upsert inserts a participant or refreshes identity and token fields for an
// existing (session_id, user_id) pair. At most one participant exists per user
// id within a session.
func (r *PGRepository) Upsert(ctx context.Context, params UpsertParams) (*Participant, error) {
	role := params.Role
	if role == "" {
		role = RoleMember
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO participants (session_id, user_id, github_login, github_name, github_email,
		                           github_user_id, role, access_token_enc, refresh_token_enc, token_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (session_id, user_id) DO UPDATE SET
		   github_login = EXCLUDED.github_login,
		   github_name = EXCLUDED.github_name,
		   github_email = EXCLUDED.github_email,
		   github_user_id = EXCLUDED.github_user_id,
		   access_token_enc = COALESCE(EXCLUDED.access_token_enc, participants.access_token_enc),
		   refresh_token_enc = COALESCE(EXCLUDED.refresh_token_enc, participants.refresh_token_enc),
		   token_expires_at = COALESCE(EXCLUDED.token_expires_at, participants.token_expires_at),
		   updated_at = now()
		 RETURNING `+selectColumns,
		params.SessionID, params.UserID, params.GithubLogin, params.GithubName, params.GithubEmail,
		params.GithubUserID, role, params.AccessTokenEnc, params.RefreshTokenEnc, params.TokenExpiresAt,
	)
	p, err := scanParticipant(row)
	if err != nil {
		return nil, fmt.Errorf("upsert participant: %w", err)
	}
	return p, nil
}

// GetByID returns a participant by internal id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Participant, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM participants WHERE id = $1", id)
	return scanNotFound(row)
}

// GetByUserID returns the participant for a user within a session.
func (r *PGRepository) GetByUserID(ctx context.Context, sessionID uuid.UUID, userID string) (*Participant, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM participants WHERE session_id = $1 AND user_id = $2",
		sessionID, userID)
	return scanNotFound(row)
}

// GetByTokenHash returns the participant whose stored WebSocket token hash
// matches. Used to validate subscribe handshakes.
func (r *PGRepository) GetByTokenHash(ctx context.Context, sessionID uuid.UUID, tokenHash string) (*Participant, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM participants WHERE session_id = $1 AND ws_auth_token_hash = $2",
		sessionID, tokenHash)
	return scanNotFound(row)
}

// List returns all participants of a session ordered by creation time.
func (r *PGRepository) List(ctx context.Context, sessionID uuid.UUID) ([]Participant, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM participants WHERE session_id = $1 ORDER BY created_at", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var result []Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

// SetWSToken stores the hash of a freshly minted WebSocket token. The
// plaintext never touches the database.
func (r *PGRepository) SetWSToken(ctx context.Context, id uuid.UUID, tokenHash string, issuedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE participants SET ws_auth_token_hash = $2, ws_token_issued_at = $3, updated_at = now()
		 WHERE id = $1`, id, tokenHash, issuedAt)
	if err != nil {
		return fmt.Errorf("set ws token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHostTokens replaces the envelope-encrypted host tokens.
func (r *PGRepository) UpdateHostTokens(ctx context.Context, id uuid.UUID, accessEnc, refreshEnc *string, expiresAt *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE participants SET access_token_enc = $2, refresh_token_enc = $3, token_expires_at = $4,
		 updated_at = now() WHERE id = $1`, id, accessEnc, refreshEnc, expiresAt)
	if err != nil {
		return fmt.Errorf("update host tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNotFound(row pgx.Row) (*Participant, error) {
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query participant: %w", err)
	}
	return p, nil
}

func scanParticipant(row pgx.Row) (*Participant, error) {
	var p Participant
	err := row.Scan(
		&p.ID, &p.SessionID, &p.UserID, &p.GithubLogin, &p.GithubName, &p.GithubEmail,
		&p.GithubUserID, &p.Role, &p.AccessTokenEnc, &p.RefreshTokenEnc, &p.TokenExpiresAt,
		&p.WSTokenHash, &p.WSTokenIssued, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
