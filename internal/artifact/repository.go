package artifact

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Repository is the persistence interface for artifacts.
type Repository interface {
	Append(ctx context.Context, params AppendParams) (*Artifact, error)
	List(ctx context.Context, sessionID uuid.UUID) ([]Artifact, error)
}

const selectColumns = "id, session_id, type, url, metadata, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed artifact repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Append inserts one artifact.
func (r *PGRepository) Append(ctx context.Context, params AppendParams) (*Artifact, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO artifacts (session_id, type, url, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+selectColumns,
		params.SessionID, params.Type, params.URL, params.Metadata,
	)
	a, err := scanArtifact(row)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return a, nil
}

// List returns all artifacts of a session in creation order.
func (r *PGRepository) List(ctx context.Context, sessionID uuid.UUID) ([]Artifact, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+selectColumns+" FROM artifacts WHERE session_id = $1 ORDER BY created_at, id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var result []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func scanArtifact(row pgx.Row) (*Artifact, error) {
	var a Artifact
	if err := row.Scan(&a.ID, &a.SessionID, &a.Type, &a.URL, &a.Metadata, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
