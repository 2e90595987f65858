// Package sandbox defines the sandbox record, the pure lifecycle decision
// functions (circuit breaker, spawn, inactivity, heartbeat, warm), and the
// provider port. Side effects live in the coordinator; everything here is
// deterministic given its inputs.
package sandbox

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status enumerates sandbox lifecycle states.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSpawning     Status = "spawning"
	StatusConnecting   Status = "connecting"
	StatusWarming      Status = "warming"
	StatusSyncing      Status = "syncing"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusStale        Status = "stale"
	StatusSnapshotting Status = "snapshotting"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
)

// Terminal reports whether s is a terminal state. Terminal states are sticky
// during snapshotting and block sandbox reconnection.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusStale || s == StatusFailed
}

// Sentinel errors returned by the repository.
var (
	ErrNotFound = errors.New("sandbox not found")
)

// Sandbox is the per-session sandbox record. ExternalID and AuthToken are
// allocated before the provider is called so the concurrently connecting
// sandbox finds its validation record. SpawnedAt is nil immediately after
// session init so the first spawn is not gated by cooldown.
type Sandbox struct {
	ID               uuid.UUID
	SessionID        uuid.UUID
	ExternalID       string
	ProviderObjectID string
	SnapshotImageID  *string
	AuthToken        string
	Status           Status
	GitSyncStatus    string
	LastHeartbeatAt  *time.Time
	LastActivityAt   *time.Time
	FailureCount     int
	LastFailureAt    *time.Time
	LastSpawnError   *string
	LastSpawnErrorAt *time.Time
	SpawnedAt        *time.Time
}
