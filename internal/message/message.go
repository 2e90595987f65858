// Package message defines the prompt queue entity and its repository. Prompts
// form a per-session FIFO with a strict single-in-flight policy; status
// transitions are monotonic (pending -> processing -> completed|failed) and
// enforced by guarded updates.
package message

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status enumerates prompt states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Source enumerates where a prompt originated.
type Source string

const (
	SourceWeb       Source = "web"
	SourceSlack     Source = "slack"
	SourceExtension Source = "extension"
	SourceGithub    Source = "github"
)

// Sentinel errors returned by the repository.
var (
	ErrNotFound = errors.New("message not found")
	// ErrNotPending is returned when a guarded transition finds the row in an
	// unexpected state, signalling a raced or repeated transition attempt.
	ErrNotPending    = errors.New("message is not pending")
	ErrNotProcessing = errors.New("message is not processing")
)

// ValidStatus reports whether s is a known message status (used to validate
// list filters).
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ValidSource reports whether s is a known prompt source.
func ValidSource(s string) bool {
	switch Source(s) {
	case SourceWeb, SourceSlack, SourceExtension, SourceGithub:
		return true
	}
	return false
}

// Message is a user-authored prompt that drives one agent turn.
type Message struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	AuthorID        uuid.UUID
	Content         string
	Source          Source
	Model           *string
	Attachments     json.RawMessage
	Status          Status
	ErrorMessage    *string
	CallbackContext json.RawMessage
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// EnqueueParams holds the fields for a new pending prompt.
type EnqueueParams struct {
	SessionID       uuid.UUID
	AuthorID        uuid.UUID
	Content         string
	Source          Source
	Model           *string
	Attachments     json.RawMessage
	CallbackContext json.RawMessage
}

// ClampLimit bounds a client-supplied page size to 1..100.
func ClampLimit(limit int) int {
	if limit < 1 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}
