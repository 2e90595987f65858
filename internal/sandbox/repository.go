package sandbox

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

// Repository is the persistence interface for sandbox records. At most one
// record exists per session.
type Repository interface {
	Create(ctx context.Context, sessionID uuid.UUID) (*Sandbox, error)
	GetBySession(ctx context.Context, sessionID uuid.UUID) (*Sandbox, error)
	PrepareSpawn(ctx context.Context, sessionID uuid.UUID, externalID, authToken string, now time.Time) error
	SetStatus(ctx context.Context, sessionID uuid.UUID, status Status) error
	SetStatusFrom(ctx context.Context, sessionID uuid.UUID, from, to Status) (bool, error)
	SetProviderObjectID(ctx context.Context, sessionID uuid.UUID, objectID string) error
	SetSnapshotImageID(ctx context.Context, sessionID uuid.UUID, imageID string) error
	SetGitSyncStatus(ctx context.Context, sessionID uuid.UUID, status string) error
	StampHeartbeat(ctx context.Context, sessionID uuid.UUID, at time.Time) error
	StampActivity(ctx context.Context, sessionID uuid.UUID, at time.Time) error
	RecordSpawnFailure(ctx context.Context, sessionID uuid.UUID, message string, countsAgainstBreaker bool, at time.Time) error
	ResetFailures(ctx context.Context, sessionID uuid.UUID) error
}

const selectColumns = `id, session_id, external_id, provider_object_id, snapshot_image_id,
auth_token, status, git_sync_status, last_heartbeat_at, last_activity_at,
failure_count, last_failure_at, last_spawn_error, last_spawn_error_at, spawned_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed sandbox repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts the session's sandbox record in status pending with a nil
// spawned_at, so the first spawn is not gated by cooldown.
func (r *PGRepository) Create(ctx context.Context, sessionID uuid.UUID) (*Sandbox, error) {
	row := r.db.QueryRow(ctx,
		"INSERT INTO sandboxes (session_id) VALUES ($1) RETURNING "+selectColumns, sessionID)
	sb, err := scanSandbox(row)
	if err != nil {
		return nil, fmt.Errorf("insert sandbox: %w", err)
	}
	return sb, nil
}

// GetBySession returns the session's sandbox record.
func (r *PGRepository) GetBySession(ctx context.Context, sessionID uuid.UUID) (*Sandbox, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM sandboxes WHERE session_id = $1", sessionID)
	sb, err := scanSandbox(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query sandbox: %w", err)
	}
	return sb, nil
}

// PrepareSpawn persists the pre-allocated external id and auth token and moves
// the record to spawning. This runs before the provider call so the
// concurrently connecting sandbox always finds its validation record.
func (r *PGRepository) PrepareSpawn(ctx context.Context, sessionID uuid.UUID, externalID, authToken string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sandboxes SET external_id = $2, auth_token = $3, status = 'spawning', spawned_at = $4
		 WHERE session_id = $1`, sessionID, externalID, authToken, now)
	if err != nil {
		return fmt.Errorf("prepare spawn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates the lifecycle status.
func (r *PGRepository) SetStatus(ctx context.Context, sessionID uuid.UUID, status Status) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE sandboxes SET status = $2 WHERE session_id = $1", sessionID, status)
	if err != nil {
		return fmt.Errorf("set sandbox status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatusFrom updates the lifecycle status only if the row still holds the
// expected status, reporting whether the swap happened. Callers that suspend
// on provider I/O use this so a transition written in the meantime wins.
func (r *PGRepository) SetStatusFrom(ctx context.Context, sessionID uuid.UUID, from, to Status) (bool, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE sandboxes SET status = $3 WHERE session_id = $1 AND status = $2",
		sessionID, from, to)
	if err != nil {
		return false, fmt.Errorf("set sandbox status from %s: %w", from, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetProviderObjectID stores the provider-internal handle used for snapshots.
func (r *PGRepository) SetProviderObjectID(ctx context.Context, sessionID uuid.UUID, objectID string) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE sandboxes SET provider_object_id = $2 WHERE session_id = $1", sessionID, objectID); err != nil {
		return fmt.Errorf("set provider object id: %w", err)
	}
	return nil
}

// SetSnapshotImageID stores the image id of a successful snapshot.
func (r *PGRepository) SetSnapshotImageID(ctx context.Context, sessionID uuid.UUID, imageID string) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE sandboxes SET snapshot_image_id = $2 WHERE session_id = $1", sessionID, imageID); err != nil {
		return fmt.Errorf("set snapshot image id: %w", err)
	}
	return nil
}

// SetGitSyncStatus records the most recent git_sync report.
func (r *PGRepository) SetGitSyncStatus(ctx context.Context, sessionID uuid.UUID, status string) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE sandboxes SET git_sync_status = $2 WHERE session_id = $1", sessionID, status); err != nil {
		return fmt.Errorf("set git sync status: %w", err)
	}
	return nil
}

// StampHeartbeat records the latest heartbeat time.
func (r *PGRepository) StampHeartbeat(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE sandboxes SET last_heartbeat_at = $2 WHERE session_id = $1", sessionID, at); err != nil {
		return fmt.Errorf("stamp heartbeat: %w", err)
	}
	return nil
}

// StampActivity records the latest activity time used by the idle decision.
func (r *PGRepository) StampActivity(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE sandboxes SET last_activity_at = $2 WHERE session_id = $1", sessionID, at); err != nil {
		return fmt.Errorf("stamp activity: %w", err)
	}
	return nil
}

// RecordSpawnFailure stores the spawn error and, for permanent failures,
// advances the circuit-breaker counter. Transient failures leave the counter
// untouched.
func (r *PGRepository) RecordSpawnFailure(ctx context.Context, sessionID uuid.UUID, message string, countsAgainstBreaker bool, at time.Time) error {
	var err error
	if countsAgainstBreaker {
		_, err = r.db.Exec(ctx,
			`UPDATE sandboxes SET status = 'failed', last_spawn_error = $2, last_spawn_error_at = $3,
			 failure_count = failure_count + 1, last_failure_at = $3
			 WHERE session_id = $1`, sessionID, message, at)
	} else {
		_, err = r.db.Exec(ctx,
			`UPDATE sandboxes SET status = 'failed', last_spawn_error = $2, last_spawn_error_at = $3
			 WHERE session_id = $1`, sessionID, message, at)
	}
	if err != nil {
		return fmt.Errorf("record spawn failure: %w", err)
	}
	return nil
}

// ResetFailures zeroes the circuit-breaker counter.
func (r *PGRepository) ResetFailures(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE sandboxes SET failure_count = 0, last_failure_at = NULL WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}
	return nil
}

func scanSandbox(row pgx.Row) (*Sandbox, error) {
	var sb Sandbox
	err := row.Scan(
		&sb.ID, &sb.SessionID, &sb.ExternalID, &sb.ProviderObjectID, &sb.SnapshotImageID,
		&sb.AuthToken, &sb.Status, &sb.GitSyncStatus, &sb.LastHeartbeatAt, &sb.LastActivityAt,
		&sb.FailureCount, &sb.LastFailureAt, &sb.LastSpawnError, &sb.LastSpawnErrorAt, &sb.SpawnedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sb, nil
}
