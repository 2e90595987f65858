// Package participant defines session participants and their credentials.
// Host access tokens are stored only in envelope-encrypted form; WebSocket
// auth tokens are stored only as SHA-256 hashes.
package participant

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role enumerates participant roles within a session.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Sentinel errors returned by the repository.
var (
	ErrNotFound = errors.New("participant not found")
)

// Participant is a user authorized to interact with a session.
type Participant struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	UserID          string
	GithubLogin     string
	GithubName      string
	GithubEmail     string
	GithubUserID    int64
	Role            Role
	AccessTokenEnc  *string
	RefreshTokenEnc *string
	TokenExpiresAt  *time.Time
	WSTokenHash     *string
	WSTokenIssued   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UpsertParams holds the fields written on first authenticated contact for a
// user. Encrypted token fields are optional.
type UpsertParams struct {
	SessionID       uuid.UUID
	UserID          string
	GithubLogin     string
	GithubName      string
	GithubEmail     string
	GithubUserID    int64
	Role            Role
	AccessTokenEnc  *string
	RefreshTokenEnc *string
	TokenExpiresAt  *time.Time
}
