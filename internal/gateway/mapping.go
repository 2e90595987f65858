package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMappingNotFound is returned when no durable record exists for a socket.
var ErrMappingNotFound = errors.New("ws client mapping not found")

// Mapping is the durable record binding a socket id to a participant. The
// in-memory client map is only a cache of these rows; a cache miss must be
// willing to consult the table and repopulate.
type Mapping struct {
	SocketID      string
	SessionID     uuid.UUID
	ParticipantID uuid.UUID
	ClientID      string
	CreatedAt     time.Time
}

// MappingRepository is the persistence interface for websocket-client
// mappings.
type MappingRepository interface {
	Put(ctx context.Context, m Mapping) error
	Get(ctx context.Context, socketID string) (*Mapping, error)
	Delete(ctx context.Context, socketID string) error
}

// PGMappingRepository implements MappingRepository using PostgreSQL.
type PGMappingRepository struct {
	db *pgxpool.Pool
}

// NewPGMappingRepository creates a new PostgreSQL-backed mapping repository.
func NewPGMappingRepository(db *pgxpool.Pool) *PGMappingRepository {
	return &PGMappingRepository{db: db}
}

// Put records or refreshes the binding for a socket.
func (r *PGMappingRepository) Put(ctx context.Context, m Mapping) error {
	if _, err := r.db.Exec(ctx,
		`INSERT INTO ws_client_mapping (socket_id, session_id, participant_id, client_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (socket_id) DO UPDATE SET participant_id = EXCLUDED.participant_id,
		   client_id = EXCLUDED.client_id`,
		m.SocketID, m.SessionID, m.ParticipantID, m.ClientID); err != nil {
		return fmt.Errorf("put ws mapping: %w", err)
	}
	return nil
}

// Get returns the binding for a socket.
func (r *PGMappingRepository) Get(ctx context.Context, socketID string) (*Mapping, error) {
	var m Mapping
	err := r.db.QueryRow(ctx,
		`SELECT socket_id, session_id, participant_id, client_id, created_at
		 FROM ws_client_mapping WHERE socket_id = $1`, socketID).
		Scan(&m.SocketID, &m.SessionID, &m.ParticipantID, &m.ClientID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMappingNotFound
		}
		return nil, fmt.Errorf("get ws mapping: %w", err)
	}
	return &m, nil
}

// Delete removes the binding when a socket disconnects.
func (r *PGMappingRepository) Delete(ctx context.Context, socketID string) error {
	if _, err := r.db.Exec(ctx,
		"DELETE FROM ws_client_mapping WHERE socket_id = $1", socketID); err != nil {
		return fmt.Errorf("delete ws mapping: %w", err)
	}
	return nil
}
