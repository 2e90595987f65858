package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/particlhq/background-agents/internal/event"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/sandbox"
)

// OnSandboxConnected runs when the sandbox WebSocket authenticates: the
// sandbox is ready, the inactivity clock restarts, and the queue is re-driven
// so a prompt enqueued during spawn dispatches immediately.
func (c *Coordinator) OnSandboxConnected(ctx context.Context) {
	c.log.Info().Msg("Sandbox connected")

	if err := c.deps.Sandboxes.SetStatus(ctx, c.sessionID, sandbox.StatusReady); err != nil {
		c.log.Error().Err(err).Msg("Failed to transition sandbox to ready")
	}
	if err := c.deps.Sandboxes.StampActivity(ctx, c.sessionID, time.Now()); err != nil {
		c.log.Error().Err(err).Msg("Failed to stamp activity")
	}
	c.hub.Broadcast(protocol.ServerSandboxStatus, map[string]string{
		"status": string(sandbox.StatusReady),
	})
	c.scheduleAlarm(c.deps.Cfg.MinCheckInterval)
	c.DriveQueue(ctx)
}

// OnSandboxDisconnected runs when the sandbox socket drops. The lifecycle
// alarm decides what, if anything, to do about it.
func (c *Coordinator) OnSandboxDisconnected(ctx context.Context) {
	c.log.Info().Msg("Sandbox disconnected")
}

// OnSandboxEvent persists one sandbox event, dispatches its side effects, and
// broadcasts it to clients.
func (c *Coordinator) OnSandboxEvent(ctx context.Context, ev *protocol.SandboxEvent) {
	messageID := c.attributeMessage(ctx, ev)

	params := event.AppendParams{
		SessionID: c.sessionID,
		Type:      ev.Type,
		Data:      ev.Raw,
		MessageID: messageID,
	}
	if _, err := c.deps.Events.Append(ctx, params); err != nil {
		// The sandbox controls the message id it reports; an id we never
		// persisted downgrades the event to unattributed instead of losing it.
		if errors.Is(err, event.ErrUnknownMessage) && params.MessageID != nil {
			params.MessageID = nil
			_, err = c.deps.Events.Append(ctx, params)
		}
		if err != nil {
			c.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("Failed to persist sandbox event")
		}
	}

	switch ev.Type {
	case protocol.EventExecutionComplete:
		c.completePrompt(ctx, messageID, ev.Success)
	case protocol.EventGitSync:
		c.handleGitSync(ctx, ev)
	case protocol.EventHeartbeat:
		if err := c.deps.Sandboxes.StampHeartbeat(ctx, c.sessionID, time.Now()); err != nil {
			c.log.Error().Err(err).Msg("Failed to stamp heartbeat")
		}
	case protocol.EventPushComplete:
		c.resolvePush(ev.BranchName, nil)
	case protocol.EventPushError:
		c.resolvePush(ev.BranchName, pushError(ev.PushError))
	}

	c.hub.Broadcast(protocol.ServerSandboxEvent, map[string]json.RawMessage{"event": ev.Raw})
}

// attributeMessage resolves which prompt an event belongs to. The
// event-carried id always wins; the currently-processing row is only a
// fallback, because adjacent prompts can race the heuristic.
func (c *Coordinator) attributeMessage(ctx context.Context, ev *protocol.SandboxEvent) *uuid.UUID {
	if ev.MessageID != "" {
		if id, err := uuid.Parse(ev.MessageID); err == nil {
			return &id
		}
		c.log.Warn().Str("message_id", ev.MessageID).Msg("Event carried unparseable message id")
	}

	switch ev.Type {
	case protocol.EventHeartbeat, protocol.EventPushComplete, protocol.EventPushError:
		return nil
	}

	processing, err := c.deps.Messages.Processing(ctx, c.sessionID)
	if err != nil || processing == nil {
		return nil
	}
	return &processing.ID
}

// completePrompt resolves the finished prompt, fires the post-completion side
// effects, and re-enters the queue driver.
func (c *Coordinator) completePrompt(ctx context.Context, messageID *uuid.UUID, success bool) {
	if messageID == nil {
		c.log.Warn().Msg("execution_complete with no attributable message")
		return
	}

	var errMsg *string
	if !success {
		s := "agent execution failed"
		errMsg = &s
	}
	if err := c.deps.Messages.Complete(ctx, *messageID, success, errMsg); err != nil {
		c.log.Error().Err(err).Str("message_id", messageID.String()).Msg("Failed to complete message")
	}

	if msg, err := c.deps.Messages.GetByID(ctx, *messageID); err == nil &&
		len(msg.CallbackContext) > 0 && c.deps.Notifier != nil {
		go c.deps.Notifier.NotifyCompletion(context.Background(), c.sessionID, msg.ID, success, msg.CallbackContext)
	}

	go c.Snapshot(context.Background(), ReasonExecutionComplete)

	if err := c.deps.Sandboxes.StampActivity(ctx, c.sessionID, time.Now()); err != nil {
		c.log.Error().Err(err).Msg("Failed to stamp activity")
	}
	c.scheduleAlarm(c.deps.Cfg.InactivityTimeout)
	c.DriveQueue(ctx)
}

func (c *Coordinator) handleGitSync(ctx context.Context, ev *protocol.SandboxEvent) {
	if ev.SyncStatus != "" {
		if err := c.deps.Sandboxes.SetGitSyncStatus(ctx, c.sessionID, ev.SyncStatus); err != nil {
			c.log.Error().Err(err).Msg("Failed to update git sync status")
		}
	}
	if ev.SHA != "" {
		if err := c.deps.Sessions.SetCurrentSHA(ctx, c.sessionID, ev.SHA); err != nil {
			c.log.Error().Err(err).Msg("Failed to update current sha")
		}
	}
}
