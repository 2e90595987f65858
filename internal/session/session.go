// Package session defines the session entity and its repository. A session is
// one logical conversation tied to one repository, owned by exactly one
// coordinator at a time.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status enumerates session lifecycle states.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// Sentinel errors returned by the repository.
var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
)

// Session is the per-session root row. SessionName is the external routing
// name; ID is the internal stable identifier. Both are stored because they may
// differ.
type Session struct {
	ID                uuid.UUID
	SessionName       string
	Title             string
	RepoOwner         string
	RepoName          string
	RepoDefaultBranch string
	RepoID            int64
	BranchName        string
	BaseSHA           string
	CurrentSHA        string
	Model             string
	Status            Status
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CreateParams holds the fields required to create a session.
type CreateParams struct {
	SessionName string
	Title       string
	RepoOwner   string
	RepoName    string
	Model       string
}
