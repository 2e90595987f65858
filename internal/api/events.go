package api

import (
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/particlhq/background-agents/internal/event"
	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/protocol"
)

// IngestSandboxEvent handles POST /internal/:session/sandbox-event, the HTTP
// fallback for sandboxes that post events instead of using the socket.
func (h *Handler) IngestSandboxEvent(c fiber.Ctx) error {
	cdr, _, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	ev, err := protocol.ParseSandboxEvent(c.Body())
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "Invalid sandbox event")
	}

	cdr.OnSandboxEvent(c, ev)
	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"status": "accepted"})
}

// ListEvents handles GET /internal/:session/events with cursor pagination and
// optional type and message filters.
func (h *Handler) ListEvents(c fiber.Ctx) error {
	_, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	limit := event.ClampLimit(fiber.Query(c, "limit", 100))

	var before *time.Time
	if cursor := fiber.Query[string](c, "cursor"); cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "Invalid cursor")
		}
		before = &t
	}

	var eventType *protocol.SandboxEventType
	if s := fiber.Query[string](c, "type"); s != "" {
		t := protocol.SandboxEventType(s)
		eventType = &t
	}

	var messageID *uuid.UUID
	if s := fiber.Query[string](c, "message_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "Invalid message_id")
		}
		messageID = &id
	}

	events, err := h.deps.Events.List(c, sess.ID, before, limit, eventType, messageID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list events")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	items := make([]fiber.Map, len(events))
	for i, e := range events {
		var msgID *string
		if e.MessageID != nil {
			s := e.MessageID.String()
			msgID = &s
		}
		items[i] = fiber.Map{
			"id":        e.ID.String(),
			"type":      string(e.Type),
			"data":      e.Data,
			"messageId": msgID,
			"createdAt": e.CreatedAt,
		}
	}
	var next *string
	if len(events) == limit {
		cursor := events[len(events)-1].CreatedAt.Format(time.RFC3339Nano)
		next = &cursor
	}
	return httputil.Success(c, fiber.Map{"events": items, "nextCursor": next})
}

// ListArtifacts handles GET /internal/:session/artifacts.
func (h *Handler) ListArtifacts(c fiber.Ctx) error {
	_, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	artifacts, err := h.deps.Artifacts.List(c, sess.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list artifacts")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	items := make([]fiber.Map, len(artifacts))
	for i, a := range artifacts {
		items[i] = fiber.Map{
			"id":        a.ID.String(),
			"type":      string(a.Type),
			"url":       a.URL,
			"metadata":  a.Metadata,
			"createdAt": a.CreatedAt,
		}
	}
	return httputil.Success(c, fiber.Map{"artifacts": items})
}
