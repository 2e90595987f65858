package sandbox

import (
	"fmt"
	"time"
)

// BreakerDecision is the outcome of evaluating the spawn circuit breaker.
type BreakerDecision struct {
	Proceed bool
	// Reset indicates the failure counter should be zeroed before proceeding.
	Reset bool
	// Wait is how long until the breaker closes again, set only when blocked.
	Wait time.Duration
}

// EvaluateBreaker applies the counter-plus-window guard against repeated
// permanent spawn failures. At exactly the window boundary the counter resets.
func EvaluateBreaker(failureCount int, lastFailureAt *time.Time, threshold int, window time.Duration, now time.Time) BreakerDecision {
	if failureCount > 0 && lastFailureAt != nil {
		elapsed := now.Sub(*lastFailureAt)
		if elapsed >= window {
			return BreakerDecision{Proceed: true, Reset: true}
		}
		if failureCount >= threshold {
			return BreakerDecision{Wait: window - elapsed}
		}
	}
	return BreakerDecision{Proceed: true}
}

// SpawnAction enumerates the outcomes of the spawn decision.
type SpawnAction int

const (
	ActionSpawn SpawnAction = iota
	ActionRestore
	ActionSkip
	ActionWait
)

// SpawnInput captures everything the spawn decision depends on.
type SpawnInput struct {
	Status          Status
	SpawnedAt       *time.Time
	SnapshotImageID *string
	HasActiveSocket bool
	// InMemorySpawning is the request-local re-entry guard. It is a cache, not
	// durable state: after a restart it defaults to false and the persisted
	// status carries the cross-request guard.
	InMemorySpawning bool
	Cooldown         time.Duration
	ReadyWait        time.Duration
	Now              time.Time
}

// SpawnDecision is the outcome of DecideSpawn. Reason is a short
// human-readable explanation used in logs and skip broadcasts.
type SpawnDecision struct {
	Action SpawnAction
	Reason string
}

// DecideSpawn evaluates the spawn rules in order. A snapshot of a terminated
// sandbox always wins; persisted in-flight statuses guard across requests; a
// ready sandbox without a socket is given ReadyWait to connect before a
// respawn is considered; Cooldown throttles rapid respawns of non-terminal
// sandboxes.
func DecideSpawn(in SpawnInput) SpawnDecision {
	if in.SnapshotImageID != nil && *in.SnapshotImageID != "" &&
		(in.Status == StatusStopped || in.Status == StatusStale || in.Status == StatusFailed) {
		return SpawnDecision{Action: ActionRestore, Reason: "snapshot available"}
	}

	if in.Status == StatusSpawning || in.Status == StatusConnecting {
		return SpawnDecision{Action: ActionSkip, Reason: fmt.Sprintf("already %s", in.Status)}
	}

	if in.Status == StatusReady {
		if in.HasActiveSocket {
			return SpawnDecision{Action: ActionSkip, Reason: "ready with active WS"}
		}
		if in.SpawnedAt != nil && in.Now.Sub(*in.SpawnedAt) < in.ReadyWait {
			return SpawnDecision{Action: ActionWait, Reason: "waiting for sandbox to connect"}
		}
	}

	if in.SpawnedAt != nil && in.Now.Sub(*in.SpawnedAt) < in.Cooldown &&
		in.Status != StatusFailed && in.Status != StatusStopped {
		return SpawnDecision{Action: ActionWait, Reason: "spawn cooldown"}
	}

	if in.InMemorySpawning {
		return SpawnDecision{Action: ActionSkip, Reason: "spawn in progress"}
	}

	return SpawnDecision{Action: ActionSpawn}
}

// IdleAction enumerates the outcomes of the inactivity decision.
type IdleAction int

const (
	IdleSchedule IdleAction = iota
	IdleExtend
	IdleTimeout
)

// IdleInput captures everything the inactivity decision depends on.
type IdleInput struct {
	LastActivityAt   *time.Time
	Status           Status
	ConnectedClients int
	Timeout          time.Duration
	Extension        time.Duration
	MinCheck         time.Duration
	Now              time.Time
}

// IdleDecision is the outcome of DecideIdle. NextCheck is the delay until the
// alarm should fire again; it is set for Schedule and Extend.
type IdleDecision struct {
	Action    IdleAction
	NextCheck time.Duration
}

// DecideIdle evaluates the inactivity rules. Sandboxes that are not in an
// attention-worthy state get a short recheck; an idle sandbox with clients
// still connected is extended with a warning rather than stopped.
func DecideIdle(in IdleInput) IdleDecision {
	if in.Status.Terminal() || in.LastActivityAt == nil ||
		(in.Status != StatusReady && in.Status != StatusRunning) {
		return IdleDecision{Action: IdleSchedule, NextCheck: in.MinCheck}
	}

	inactive := in.Now.Sub(*in.LastActivityAt)
	if inactive >= in.Timeout {
		if in.ConnectedClients > 0 {
			return IdleDecision{Action: IdleExtend, NextCheck: in.Extension}
		}
		return IdleDecision{Action: IdleTimeout}
	}

	next := in.Timeout - inactive
	if next < in.MinCheck {
		next = in.MinCheck
	}
	return IdleDecision{Action: IdleSchedule, NextCheck: next}
}

// HeartbeatStale reports whether the sandbox has missed enough heartbeats to
// be considered stale. A sandbox that has never sent a heartbeat is still
// warming up and is not stale.
func HeartbeatStale(lastHeartbeatAt *time.Time, staleAfter time.Duration, now time.Time) bool {
	if lastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*lastHeartbeatAt) > staleAfter
}

// DecideWarm reports whether a typing signal should trigger a pre-emptive
// spawn. Skipped when a sandbox socket is already open or a spawn is in
// flight, in memory or persisted.
func DecideWarm(hasActiveSocket, inMemorySpawning bool, status Status) bool {
	if hasActiveSocket || inMemorySpawning {
		return false
	}
	if status == StatusSpawning || status == StatusConnecting {
		return false
	}
	return true
}
