// Package presence provides ephemeral per-session presence state backed by
// Valkey. Presence keys expire after 120 seconds and are refreshed by client
// activity, so a crashed client drops out of presence without any explicit
// cleanup.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// presenceTTL is the lifetime of a presence key. Client messages refresh
	// the TTL, so keys expire only when the client goes quiet.
	presenceTTL = 120 * time.Second

	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusOffline = "offline"
)

// State is the visible presence of one participant.
type State struct {
	ParticipantID string          `json:"participantId"`
	ClientID      string          `json:"clientId,omitempty"`
	Status        string          `json:"status"`
	Cursor        json.RawMessage `json:"cursor,omitempty"`
}

// Store reads and writes ephemeral presence state in Valkey.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a presence store backed by the given Valkey client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func presenceKey(sessionID uuid.UUID, participantID uuid.UUID) string {
	return "presence:" + sessionID.String() + ":" + participantID.String()
}

// Set stores a participant's presence with the standard TTL.
func (s *Store) Set(ctx context.Context, sessionID, participantID uuid.UUID, state State) error {
	state.ParticipantID = participantID.String()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.rdb.Set(ctx, presenceKey(sessionID, participantID), data, presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", participantID, err)
	}
	return nil
}

// Refresh extends the TTL of a participant's presence key without changing
// the stored state.
func (s *Store) Refresh(ctx context.Context, sessionID, participantID uuid.UUID) error {
	if err := s.rdb.Expire(ctx, presenceKey(sessionID, participantID), presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence for %s: %w", participantID, err)
	}
	return nil
}

// Delete removes a participant's presence, typically on disconnect.
func (s *Store) Delete(ctx context.Context, sessionID, participantID uuid.UUID) error {
	if err := s.rdb.Del(ctx, presenceKey(sessionID, participantID)).Err(); err != nil {
		return fmt.Errorf("delete presence for %s: %w", participantID, err)
	}
	return nil
}

// GetMany returns the presence state for each listed participant. Offline
// participants (no key) are omitted from the result.
func (s *Store) GetMany(ctx context.Context, sessionID uuid.UUID, participantIDs []uuid.UUID) ([]State, error) {
	if len(participantIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(participantIDs))
	for i, id := range participantIDs {
		keys[i] = presenceKey(sessionID, id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get presences: %w", err)
	}

	var result []State
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		result = append(result, st)
	}
	return result, nil
}
