package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/particlhq/background-agents/internal/crypto"
	"github.com/particlhq/background-agents/internal/gateway"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/sandbox"
	"github.com/particlhq/background-agents/internal/session"
)

// SnapshotReason values recorded with provider snapshot calls.
const (
	ReasonExecutionComplete = "execution_complete"
	ReasonInactivityTimeout = "inactivity_timeout"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonManual            = "manual"
)

// EnsureSandbox evaluates the circuit breaker and the spawn decision, then
// executes the chosen action. It is safe to call from any path that wants a
// sandbox; the decision layer sorts out whether anything needs doing.
func (c *Coordinator) EnsureSandbox(ctx context.Context) {
	sb, err := c.deps.Sandboxes.GetBySession(ctx, c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to load sandbox record")
		return
	}
	sess, err := c.deps.Sessions.GetByID(ctx, c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to load session")
		return
	}

	now := time.Now()
	breaker := sandbox.EvaluateBreaker(sb.FailureCount, sb.LastFailureAt,
		c.deps.Cfg.BreakerThreshold, c.deps.Cfg.BreakerWindow, now)
	if !breaker.Proceed {
		msg := fmt.Sprintf(
			"Sandbox spawning temporarily disabled after repeated failures. Retry in %ds.",
			int(breaker.Wait.Seconds())+1)
		c.log.Warn().Dur("wait", breaker.Wait).Msg("Spawn blocked by circuit breaker")
		c.hub.Broadcast(protocol.ServerSandboxError, map[string]string{"error": msg})
		return
	}
	if breaker.Reset {
		if err := c.deps.Sandboxes.ResetFailures(ctx, c.sessionID); err != nil {
			c.log.Error().Err(err).Msg("Failed to reset breaker counter")
		}
	}

	decision := sandbox.DecideSpawn(sandbox.SpawnInput{
		Status:           sb.Status,
		SpawnedAt:        sb.SpawnedAt,
		SnapshotImageID:  sb.SnapshotImageID,
		HasActiveSocket:  c.hub.HasSandboxSocket(),
		InMemorySpawning: c.inMemorySpawning(),
		Cooldown:         c.deps.Cfg.SpawnCooldown,
		ReadyWait:        c.deps.Cfg.ReadyWait,
		Now:              now,
	})

	switch decision.Action {
	case sandbox.ActionSkip:
		c.log.Debug().Str("reason", decision.Reason).Msg("Spawn skipped")
	case sandbox.ActionWait:
		c.log.Debug().Str("reason", decision.Reason).Msg("Spawn deferred")
	case sandbox.ActionRestore:
		if !c.spawningGuard() {
			return
		}
		defer c.clearSpawning()
		c.restore(ctx, sess, *sb.SnapshotImageID)
	case sandbox.ActionSpawn:
		if !c.spawningGuard() {
			return
		}
		defer c.clearSpawning()
		c.spawn(ctx, sess)
	}
}

// spawn runs the fresh-spawn envelope: pre-allocate id and token, persist,
// then call the provider.
func (c *Coordinator) spawn(ctx context.Context, sess *session.Session) {
	params, ok := c.prepareSpawn(ctx, sess)
	if !ok {
		return
	}

	objectID, err := c.deps.Provider.CreateSandbox(ctx, params)
	if err != nil {
		c.recordSpawnFailure(ctx, err)
		return
	}
	c.finishSpawn(ctx, objectID)
}

// restore is the same envelope as spawn against the snapshot endpoint, with a
// restored notice on success.
func (c *Coordinator) restore(ctx context.Context, sess *session.Session, snapshotImageID string) {
	restorer, ok := c.deps.Provider.(sandbox.Restorer)
	if !ok {
		c.log.Warn().Msg("Provider cannot restore snapshots, falling back to fresh spawn")
		c.spawn(ctx, sess)
		return
	}

	params, prepared := c.prepareSpawn(ctx, sess)
	if !prepared {
		return
	}

	objectID, err := restorer.RestoreFromSnapshot(ctx, params, snapshotImageID)
	if err != nil {
		c.recordSpawnFailure(ctx, err)
		return
	}
	c.finishSpawn(ctx, objectID)
	c.hub.Broadcast(protocol.ServerSandboxRestored, map[string]string{
		"message": "Restoring sandbox from snapshot",
	})
}

// prepareSpawn persists the pre-allocated sandbox id and auth token before any
// provider call, so the concurrently connecting sandbox always finds its
// validation record.
func (c *Coordinator) prepareSpawn(ctx context.Context, sess *session.Session) (sandbox.CreateParams, bool) {
	now := time.Now()
	authToken := crypto.NewToken()
	externalID := fmt.Sprintf("sandbox-%s-%s-%d", sess.RepoOwner, sess.RepoName, now.Unix())

	if err := c.deps.Sandboxes.PrepareSpawn(ctx, c.sessionID, externalID, authToken, now); err != nil {
		c.log.Error().Err(err).Msg("Failed to persist spawn record")
		return sandbox.CreateParams{}, false
	}
	c.hub.Broadcast(protocol.ServerSandboxSpawning, nil)

	env := c.sandboxEnv(ctx, sess)

	return sandbox.CreateParams{
		SessionID:       c.sessionID.String(),
		SandboxID:       externalID,
		RepoOwner:       sess.RepoOwner,
		RepoName:        sess.RepoName,
		ControlPlaneURL: c.deps.Cfg.ControlPlaneURL,
		AuthToken:       authToken,
		Provider:        c.deps.Cfg.ProviderName,
		Model:           sess.Model,
		Env:             env,
	}, true
}

// sandboxEnv materializes repo secrets for injection. A decryption failure
// aborts injection entirely rather than launching with a partial environment.
func (c *Coordinator) sandboxEnv(ctx context.Context, sess *session.Session) map[string]string {
	if sess.RepoID == 0 || c.deps.Secrets == nil {
		return nil
	}
	env, err := c.deps.Secrets.DecryptAll(ctx, sess.RepoID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to materialize repo secrets, spawning without them")
		return nil
	}
	return env
}

func (c *Coordinator) finishSpawn(ctx context.Context, objectID string) {
	if err := c.deps.Sandboxes.SetProviderObjectID(ctx, c.sessionID, objectID); err != nil {
		c.log.Error().Err(err).Msg("Failed to store provider object id")
	}
	if err := c.deps.Sandboxes.SetStatus(ctx, c.sessionID, sandbox.StatusConnecting); err != nil {
		c.log.Error().Err(err).Msg("Failed to transition sandbox to connecting")
	}
	if err := c.deps.Sandboxes.ResetFailures(ctx, c.sessionID); err != nil {
		c.log.Error().Err(err).Msg("Failed to reset breaker counter")
	}
	c.hub.Broadcast(protocol.ServerSandboxStatus, map[string]string{
		"status": string(sandbox.StatusConnecting),
	})
}

// recordSpawnFailure classifies the provider error for the circuit breaker,
// marks the sandbox failed, and broadcasts the failure.
func (c *Coordinator) recordSpawnFailure(ctx context.Context, spawnErr error) {
	permanent := !sandbox.IsTransient(spawnErr)
	c.log.Error().Err(spawnErr).Bool("permanent", permanent).Msg("Sandbox spawn failed")

	if err := c.deps.Sandboxes.RecordSpawnFailure(ctx, c.sessionID, spawnErr.Error(), permanent, time.Now()); err != nil {
		c.log.Error().Err(err).Msg("Failed to record spawn failure")
	}
	c.hub.Broadcast(protocol.ServerSandboxError, map[string]string{
		"error": "Failed to start sandbox: " + spawnErr.Error(),
	})
}

// Warm pre-spawns the sandbox on a typing signal so the first prompt lands on
// a warm instance.
func (c *Coordinator) Warm(ctx context.Context) {
	sb, err := c.deps.Sandboxes.GetBySession(ctx, c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to load sandbox record for warm check")
		return
	}
	if !sandbox.DecideWarm(c.hub.HasSandboxSocket(), c.inMemorySpawning(), sb.Status) {
		return
	}
	c.hub.Broadcast(protocol.ServerSandboxWarming, nil)
	c.EnsureSandbox(ctx)
}

// Snapshot persists the sandbox filesystem via the provider. Outside terminal
// states the sandbox passes through snapshotting and returns to its previous
// status; a heartbeat_timeout snapshot leaves it stale.
func (c *Coordinator) Snapshot(ctx context.Context, reason string) {
	snapshotter, ok := c.deps.Provider.(sandbox.Snapshotter)
	if !ok {
		return
	}
	sb, err := c.deps.Sandboxes.GetBySession(ctx, c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to load sandbox record for snapshot")
		return
	}
	if sb.ProviderObjectID == "" {
		return
	}
	if sb.Status == sandbox.StatusSnapshotting {
		return
	}

	prev := sb.Status
	terminal := prev.Terminal()
	if !terminal {
		if err := c.deps.Sandboxes.SetStatus(ctx, c.sessionID, sandbox.StatusSnapshotting); err != nil {
			c.log.Error().Err(err).Msg("Failed to transition sandbox to snapshotting")
		}
		c.hub.Broadcast(protocol.ServerSandboxStatus, map[string]string{
			"status": string(sandbox.StatusSnapshotting),
		})
	}

	imageID, snapErr := snapshotter.TakeSnapshot(ctx, sb.ProviderObjectID, reason)

	if !terminal {
		after := prev
		if reason == ReasonHeartbeatTimeout {
			after = sandbox.StatusStale
		}
		// The provider call suspends the coordinator; a lifecycle transition
		// written in the meantime (inactivity shutdown, stale marking) must
		// win over the restore, so the swap is guarded on our own marker.
		swapped, err := c.deps.Sandboxes.SetStatusFrom(ctx, c.sessionID, sandbox.StatusSnapshotting, after)
		if err != nil {
			c.log.Error().Err(err).Msg("Failed to restore sandbox status after snapshot")
		}
		if swapped {
			c.hub.Broadcast(protocol.ServerSandboxStatus, map[string]string{"status": string(after)})
		}
	}

	if snapErr != nil {
		c.log.Error().Err(snapErr).Str("reason", reason).Msg("Snapshot failed")
		return
	}
	if err := c.deps.Sandboxes.SetSnapshotImageID(ctx, c.sessionID, imageID); err != nil {
		c.log.Error().Err(err).Msg("Failed to persist snapshot image id")
	}
	c.hub.Broadcast(protocol.ServerSnapshotSaved, map[string]string{
		"imageId": imageID,
		"reason":  reason,
	})
	c.log.Info().Str("image_id", imageID).Str("reason", reason).Msg("Snapshot saved")
}

// scheduleAlarm arms the single per-session timer. A newer alarm always
// replaces the previous one.
func (c *Coordinator) scheduleAlarm(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alarm != nil {
		c.alarm.Stop()
	}
	c.alarm = time.AfterFunc(d, c.onAlarm)
}

// resumeWatchdog re-arms the lifecycle alarm for a coordinator materialized
// with a live sandbox, so the inactivity and heartbeat checks survive a
// process restart instead of waiting for new traffic.
func (c *Coordinator) resumeWatchdog() {
	ctx, cancel := context.WithTimeout(context.Background(), c.deps.Cfg.OutboundHTTPTimeout)
	defer cancel()

	sb, err := c.deps.Sandboxes.GetBySession(ctx, c.sessionID)
	if err != nil {
		return
	}
	switch sb.Status {
	case sandbox.StatusSpawning, sandbox.StatusConnecting, sandbox.StatusReady, sandbox.StatusRunning:
		c.scheduleAlarm(c.deps.Cfg.MinCheckInterval)
	}
}

// onAlarm is the single timer handler. It checks heartbeat health first, then
// applies the inactivity decision; both share the one alarm.
func (c *Coordinator) onAlarm() {
	ctx, cancel := context.WithTimeout(context.Background(), c.deps.Cfg.OutboundHTTPTimeout)
	defer cancel()

	sb, err := c.deps.Sandboxes.GetBySession(ctx, c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to load sandbox record in alarm")
		c.scheduleAlarm(c.deps.Cfg.MinCheckInterval)
		return
	}

	now := time.Now()
	if (sb.Status == sandbox.StatusReady || sb.Status == sandbox.StatusRunning) &&
		sandbox.HeartbeatStale(sb.LastHeartbeatAt, c.deps.Cfg.HeartbeatStaleAfter, now) {
		c.log.Warn().Msg("Sandbox heartbeat stale, marking stale")
		if err := c.deps.Sandboxes.SetStatus(ctx, c.sessionID, sandbox.StatusStale); err != nil {
			c.log.Error().Err(err).Msg("Failed to mark sandbox stale")
		}
		c.hub.Broadcast(protocol.ServerSandboxStatus, map[string]string{
			"status": string(sandbox.StatusStale),
		})
		c.Snapshot(ctx, ReasonHeartbeatTimeout)
		sb.Status = sandbox.StatusStale
	}

	idle := sandbox.DecideIdle(sandbox.IdleInput{
		LastActivityAt:   sb.LastActivityAt,
		Status:           sb.Status,
		ConnectedClients: c.hub.ConnectedClients(),
		Timeout:          c.deps.Cfg.InactivityTimeout,
		Extension:        c.deps.Cfg.InactivityExtension,
		MinCheck:         c.deps.Cfg.MinCheckInterval,
		Now:              now,
	})

	switch idle.Action {
	case sandbox.IdleSchedule:
		c.scheduleAlarm(idle.NextCheck)
	case sandbox.IdleExtend:
		c.hub.Broadcast(protocol.ServerSandboxWarning, map[string]string{
			"message": fmt.Sprintf(
				"Sandbox will shut down in %d minutes due to inactivity. Send a message to keep it running.",
				int(c.deps.Cfg.InactivityExtension.Minutes())),
		})
		c.scheduleAlarm(idle.NextCheck)
	case sandbox.IdleTimeout:
		c.shutdownIdle(ctx)
	}
}

// shutdownIdle stops the sandbox after the inactivity timeout: status first so
// reconnects are blocked, then snapshot, then socket teardown.
func (c *Coordinator) shutdownIdle(ctx context.Context) {
	c.log.Info().Msg("Stopping sandbox after inactivity timeout")

	if err := c.deps.Sandboxes.SetStatus(ctx, c.sessionID, sandbox.StatusStopped); err != nil {
		c.log.Error().Err(err).Msg("Failed to transition sandbox to stopped")
	}
	c.hub.Broadcast(protocol.ServerSandboxStatus, map[string]string{
		"status": string(sandbox.StatusStopped),
	})

	c.Snapshot(ctx, ReasonInactivityTimeout)

	if err := c.hub.SendToSandbox(protocol.SandboxCommand{Type: protocol.CommandShutdown}); err != nil {
		c.log.Debug().Err(err).Msg("Shutdown command not delivered")
	}
	c.hub.CloseSandbox(1000, gateway.ReasonInactivityTimeout)
}
