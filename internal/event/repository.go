package event

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/postgres"
	"github.com/particlhq/background-agents/internal/protocol"
)

// Repository is the persistence interface for the event log.
type Repository interface {
	Append(ctx context.Context, params AppendParams) (*Event, error)
	ListRecent(ctx context.Context, sessionID uuid.UUID, limit int) ([]Event, error)
	List(ctx context.Context, sessionID uuid.UUID, before *time.Time, limit int, eventType *protocol.SandboxEventType, messageID *uuid.UUID) ([]Event, error)
}

const selectColumns = "id, session_id, type, data, message_id, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed event repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Append inserts one event. Events are never updated or deleted.
func (r *PGRepository) Append(ctx context.Context, params AppendParams) (*Event, error) {
	data := params.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO events (session_id, type, data, message_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+selectColumns,
		params.SessionID, params.Type, data, params.MessageID,
	)
	e, err := scanEvent(row)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrUnknownMessage
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// ListRecent returns the newest limit events in ascending creation order, used
// for history replay on subscribe.
func (r *PGRepository) ListRecent(ctx context.Context, sessionID uuid.UUID, limit int) ([]Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT * FROM (
		   SELECT `+selectColumns+` FROM events
		   WHERE session_id = $1
		   ORDER BY created_at DESC, id DESC
		   LIMIT $2
		 ) recent ORDER BY created_at, id`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	return collect(rows)
}

// List returns a page of events older than the cursor, newest first, with
// optional type and message filters.
func (r *PGRepository) List(ctx context.Context, sessionID uuid.UUID, before *time.Time, limit int, eventType *protocol.SandboxEventType, messageID *uuid.UUID) ([]Event, error) {
	query := "SELECT " + selectColumns + " FROM events WHERE session_id = $1"
	args := []any{sessionID}
	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	if eventType != nil {
		args = append(args, *eventType)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if messageID != nil {
		args = append(args, *messageID)
		query += fmt.Sprintf(" AND message_id = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()
	var result []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	if err := row.Scan(&e.ID, &e.SessionID, &e.Type, &e.Data, &e.MessageID, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
