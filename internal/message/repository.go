package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/postgres"
)

// Repository is the persistence interface for the prompt queue.
type Repository interface {
	Enqueue(ctx context.Context, params EnqueueParams) (*Message, int, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	OldestPending(ctx context.Context, sessionID uuid.UUID) (*Message, error)
	Processing(ctx context.Context, sessionID uuid.UUID) (*Message, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, success bool, errMsg *string) error
	ListRecent(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error)
	List(ctx context.Context, sessionID uuid.UUID, before *time.Time, limit int, status *Status) ([]Message, error)
}

const selectColumns = `id, session_id, author_id, content, source, model, attachments, status,
error_message, callback_context, created_at, started_at, completed_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Enqueue atomically inserts a pending prompt and returns it together with its
// queue position (the count of pending and processing prompts including the
// new one).
func (r *PGRepository) Enqueue(ctx context.Context, params EnqueueParams) (*Message, int, error) {
	var msg *Message
	var position int
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO messages (session_id, author_id, content, source, model, attachments, callback_context)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+selectColumns,
			params.SessionID, params.AuthorID, params.Content, params.Source,
			params.Model, params.Attachments, params.CallbackContext,
		)
		m, err := scanMessage(row)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msg = m

		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM messages
			 WHERE session_id = $1 AND status IN ('pending', 'processing')`,
			params.SessionID,
		).Scan(&position)
		if err != nil {
			return fmt.Errorf("count queued messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return msg, position, nil
}

// GetByID returns a single message.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM messages WHERE id = $1", id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return m, nil
}

// OldestPending returns the oldest pending prompt, tie-broken by creation
// timestamp then id. A nil message with nil error means the queue is empty.
func (r *PGRepository) OldestPending(ctx context.Context, sessionID uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM messages
		 WHERE session_id = $1 AND status = 'pending'
		 ORDER BY created_at, id
		 LIMIT 1`, sessionID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query oldest pending: %w", err)
	}
	return m, nil
}

// Processing returns the currently processing prompt, or nil when none is in
// flight.
func (r *PGRepository) Processing(ctx context.Context, sessionID uuid.UUID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM messages
		 WHERE session_id = $1 AND status = 'processing'
		 ORDER BY started_at
		 LIMIT 1`, sessionID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query processing message: %w", err)
	}
	return m, nil
}

// MarkProcessing transitions a pending prompt to processing. The guard on the
// current status keeps transitions monotonic.
func (r *PGRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET status = 'processing', started_at = now()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark message processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

// Complete resolves a processing prompt to completed or failed.
func (r *PGRepository) Complete(ctx context.Context, id uuid.UUID, success bool, errMsg *string) error {
	status := StatusCompleted
	if !success {
		status = StatusFailed
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET status = $2, error_message = $3, completed_at = now()
		 WHERE id = $1 AND status = 'processing'`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProcessing
	}
	return nil
}

// ListRecent returns the newest limit messages in ascending creation order,
// used for history replay on subscribe.
func (r *PGRepository) ListRecent(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT * FROM (
		   SELECT `+selectColumns+` FROM messages
		   WHERE session_id = $1
		   ORDER BY created_at DESC, id DESC
		   LIMIT $2
		 ) recent ORDER BY created_at, id`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	return collect(rows)
}

// List returns a page of messages older than the cursor, newest first,
// optionally filtered by status.
func (r *PGRepository) List(ctx context.Context, sessionID uuid.UUID, before *time.Time, limit int, status *Status) ([]Message, error) {
	query := "SELECT " + selectColumns + " FROM messages WHERE session_id = $1"
	args := []any{sessionID}
	if before != nil {
		args = append(args, *before)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	if status != nil {
		args = append(args, *status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.SessionID, &m.AuthorID, &m.Content, &m.Source, &m.Model, &m.Attachments,
		&m.Status, &m.ErrorMessage, &m.CallbackContext, &m.CreatedAt, &m.StartedAt, &m.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
