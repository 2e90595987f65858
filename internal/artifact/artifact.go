// Package artifact defines the append-only artifact log (pull requests,
// screenshots, previews, branches).
package artifact

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type enumerates artifact kinds.
type Type string

const (
	TypePR         Type = "pr"
	TypeScreenshot Type = "screenshot"
	TypePreview    Type = "preview"
	TypeBranch     Type = "branch"
)

// Artifact is one produced artifact.
type Artifact struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Type      Type
	URL       *string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// AppendParams holds the fields for a new artifact row.
type AppendParams struct {
	SessionID uuid.UUID
	Type      Type
	URL       *string
	Metadata  json.RawMessage
}
