// Package event defines the append-only sandbox event log.
package event

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/particlhq/background-agents/internal/protocol"
)

// ErrUnknownMessage is returned by Append when the event references a message
// id this session never persisted. Sandbox events carry the id verbatim, so a
// bogus one must not lose the event.
var ErrUnknownMessage = errors.New("event references unknown message")

// Event is one persisted sandbox event. Data retains the raw JSON body so
// broadcast and replay never lose fields the coordinator does not interpret.
type Event struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Type      protocol.SandboxEventType
	Data      json.RawMessage
	MessageID *uuid.UUID
	CreatedAt time.Time
}

// AppendParams holds the fields for one new event row.
type AppendParams struct {
	SessionID uuid.UUID
	Type      protocol.SandboxEventType
	Data      json.RawMessage
	MessageID *uuid.UUID
}

// ClampLimit bounds a client-supplied page size to 1..200.
func ClampLimit(limit int) int {
	if limit < 1 {
		return 100
	}
	if limit > 200 {
		return 200
	}
	return limit
}
