package api

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/message"
	"github.com/particlhq/background-agents/internal/participant"
	"github.com/particlhq/background-agents/internal/protocol"
)

type promptRequest struct {
	Content         string          `json:"content"`
	AuthorID        string          `json:"authorId"`
	Source          string          `json:"source"`
	Model           string          `json:"model"`
	Attachments     json.RawMessage `json:"attachments"`
	CallbackContext json.RawMessage `json:"callbackContext"`
}

// Prompt handles POST /internal/:session/prompt.
func (h *Handler) Prompt(c fiber.Ctx) error {
	cdr, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	var body promptRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.InvalidBody, "Invalid request body")
	}
	if body.Content == "" || body.AuthorID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError,
			"content and authorId are required")
	}
	source := message.Source(body.Source)
	if body.Source == "" {
		source = message.SourceWeb
	} else if !message.ValidSource(body.Source) {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "Invalid source")
	}

	author, err := h.deps.Participants.GetByUserID(c, sess.ID, body.AuthorID)
	if err != nil {
		if errors.Is(err, participant.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, protocol.NotFound, "Author is not a session participant")
		}
		h.log.Error().Err(err).Msg("Failed to load author")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	var model *string
	if body.Model != "" {
		model = &body.Model
	}
	msg, _, err := cdr.EnqueuePrompt(c, message.EnqueueParams{
		AuthorID:        author.ID,
		Content:         body.Content,
		Source:          source,
		Model:           model,
		Attachments:     body.Attachments,
		CallbackContext: body.CallbackContext,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue prompt")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{
		"messageId": msg.ID.String(),
		"status":    "queued",
	})
}

// Stop handles POST /internal/:session/stop.
func (h *Handler) Stop(c fiber.Ctx) error {
	cdr, _, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}
	cdr.Stop(c)
	return httputil.Success(c, fiber.Map{"status": "stop requested"})
}

// ListMessages handles GET /internal/:session/messages.
func (h *Handler) ListMessages(c fiber.Ctx) error {
	_, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	limit := message.ClampLimit(fiber.Query(c, "limit", 50))

	var before *time.Time
	if cursor := fiber.Query[string](c, "cursor"); cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "Invalid cursor")
		}
		before = &t
	}

	var status *message.Status
	if s := fiber.Query[string](c, "status"); s != "" {
		if !message.ValidStatus(s) {
			return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "Invalid status filter")
		}
		st := message.Status(s)
		status = &st
	}

	msgs, err := h.deps.Messages.List(c, sess.ID, before, limit, status)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list messages")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	items := make([]fiber.Map, len(msgs))
	for i, m := range msgs {
		items[i] = messageToMap(m)
	}
	var next *string
	if len(msgs) == limit {
		cursor := msgs[len(msgs)-1].CreatedAt.Format(time.RFC3339Nano)
		next = &cursor
	}
	return httputil.Success(c, fiber.Map{"messages": items, "nextCursor": next})
}

func messageToMap(m message.Message) fiber.Map {
	return fiber.Map{
		"id":           m.ID.String(),
		"authorId":     m.AuthorID.String(),
		"content":      m.Content,
		"source":       string(m.Source),
		"model":        m.Model,
		"attachments":  m.Attachments,
		"status":       string(m.Status),
		"errorMessage": m.ErrorMessage,
		"createdAt":    m.CreatedAt,
		"startedAt":    m.StartedAt,
		"completedAt":  m.CompletedAt,
	}
}
