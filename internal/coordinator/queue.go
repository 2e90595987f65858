package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/particlhq/background-agents/internal/message"
	"github.com/particlhq/background-agents/internal/participant"
	"github.com/particlhq/background-agents/internal/protocol"
)

// EnqueuePrompt inserts a prompt and nudges the queue. Used by both the
// WebSocket prompt path and the internal HTTP endpoint.
func (c *Coordinator) EnqueuePrompt(ctx context.Context, params message.EnqueueParams) (*message.Message, int, error) {
	params.SessionID = c.sessionID
	msg, position, err := c.deps.Messages.Enqueue(ctx, params)
	if err != nil {
		return nil, 0, err
	}

	c.hub.Broadcast(protocol.ServerPromptQueued, map[string]any{
		"messageId": msg.ID.String(),
		"position":  position,
	})
	if err := c.deps.Sandboxes.StampActivity(ctx, c.sessionID, time.Now()); err != nil {
		c.log.Error().Err(err).Msg("Failed to stamp activity")
	}

	c.DriveQueue(ctx)
	return msg, position, nil
}

// DriveQueue advances the prompt queue. It is idempotent and safe to call
// from every path that might unblock processing: enqueue, sandbox connect,
// and completion.
func (c *Coordinator) DriveQueue(ctx context.Context) {
	processing, err := c.deps.Messages.Processing(ctx, c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to query processing message")
		return
	}
	if processing != nil {
		return
	}

	next, err := c.deps.Messages.OldestPending(ctx, c.sessionID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to query pending messages")
		return
	}
	if next == nil {
		return
	}

	if !c.hub.HasSandboxSocket() {
		c.EnsureSandbox(ctx)
		return
	}

	if err := c.deps.Messages.MarkProcessing(ctx, next.ID); err != nil {
		// Lost the race to a concurrent driver invocation.
		if errors.Is(err, message.ErrNotPending) {
			return
		}
		c.log.Error().Err(err).Msg("Failed to mark message processing")
		return
	}
	if err := c.deps.Sandboxes.StampActivity(ctx, c.sessionID, time.Now()); err != nil {
		c.log.Error().Err(err).Msg("Failed to stamp activity")
	}

	if err := c.dispatchPrompt(ctx, next); err != nil {
		c.log.Error().Err(err).Str("message_id", next.ID.String()).Msg("Failed to dispatch prompt")
	}
}

// dispatchPrompt resolves the model and author and delivers the prompt command
// to the sandbox. Model resolution happens here, at dispatch time.
func (c *Coordinator) dispatchPrompt(ctx context.Context, msg *message.Message) error {
	model := c.deps.Cfg.DefaultModel
	if sess, err := c.deps.Sessions.GetByID(ctx, c.sessionID); err == nil && sess.Model != "" {
		model = sess.Model
	}
	if msg.Model != nil && *msg.Model != "" {
		model = *msg.Model
	}

	var author *protocol.PromptAuthor
	if p, err := c.deps.Participants.GetByID(ctx, msg.AuthorID); err == nil {
		author = &protocol.PromptAuthor{
			ID:    p.UserID,
			Login: p.GithubLogin,
			Name:  p.GithubName,
			Email: p.GithubEmail,
		}
	}

	return c.hub.SendToSandbox(protocol.SandboxCommand{
		Type:        protocol.CommandPrompt,
		MessageID:   msg.ID.String(),
		Content:     msg.Content,
		Model:       model,
		Author:      author,
		Attachments: msg.Attachments,
	})
}

// Stop forwards a best-effort stop command to the sandbox.
func (c *Coordinator) Stop(ctx context.Context) {
	if err := c.hub.SendToSandbox(protocol.SandboxCommand{Type: protocol.CommandStop}); err != nil {
		c.log.Debug().Err(err).Msg("Stop command not delivered")
	}
}

// OnPrompt handles a prompt frame from a client socket. Empty content is
// rejected at the hub boundary before it reaches here.
func (c *Coordinator) OnPrompt(ctx context.Context, p *participant.Participant, msg protocol.ClientMessage) {
	var model *string
	if msg.Model != "" {
		model = &msg.Model
	}
	if _, _, err := c.EnqueuePrompt(ctx, message.EnqueueParams{
		AuthorID:    p.ID,
		Content:     msg.Content,
		Source:      message.SourceWeb,
		Model:       model,
		Attachments: msg.Attachments,
	}); err != nil {
		c.log.Error().Err(err).Msg("Failed to enqueue prompt")
	}
}

// OnStop handles a stop frame from a client socket.
func (c *Coordinator) OnStop(ctx context.Context, p *participant.Participant) {
	c.Stop(ctx)
}

// OnTyping triggers the warm decision.
func (c *Coordinator) OnTyping(ctx context.Context, p *participant.Participant) {
	c.Warm(ctx)
}
