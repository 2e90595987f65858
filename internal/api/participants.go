package api

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/participant"
	"github.com/particlhq/background-agents/internal/protocol"
)

// ListParticipants handles GET /internal/:session/participants.
func (h *Handler) ListParticipants(c fiber.Ctx) error {
	_, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	parts, err := h.deps.Participants.List(c, sess.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list participants")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	items := make([]fiber.Map, len(parts))
	for i, p := range parts {
		items[i] = fiber.Map{
			"id":          p.ID.String(),
			"userId":      p.UserID,
			"githubLogin": p.GithubLogin,
			"githubName":  p.GithubName,
			"role":        string(p.Role),
			"createdAt":   p.CreatedAt,
		}
	}
	return httputil.Success(c, fiber.Map{"participants": items})
}

type upsertParticipantRequest struct {
	UserID               string     `json:"userId"`
	GithubLogin          string     `json:"githubLogin"`
	GithubName           string     `json:"githubName"`
	GithubEmail          string     `json:"githubEmail"`
	GithubUserID         int64      `json:"githubUserId"`
	Role                 string     `json:"role"`
	GithubToken          string     `json:"githubToken"`
	GithubTokenEncrypted string     `json:"githubTokenEncrypted"`
	TokenExpiresAt       *time.Time `json:"tokenExpiresAt"`
}

// UpsertParticipant handles POST /internal/:session/participants.
func (h *Handler) UpsertParticipant(c fiber.Ctx) error {
	_, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	var body upsertParticipantRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.InvalidBody, "Invalid request body")
	}
	if body.UserID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "userId is required")
	}
	role := participant.Role(body.Role)
	if role != participant.RoleOwner {
		role = participant.RoleMember
	}

	tokenEnc, err := h.encryptHostToken(body.GithubToken, body.GithubTokenEncrypted)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encrypt host token")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	p, err := h.deps.Participants.Upsert(c, participant.UpsertParams{
		SessionID:      sess.ID,
		UserID:         body.UserID,
		GithubLogin:    body.GithubLogin,
		GithubName:     body.GithubName,
		GithubEmail:    body.GithubEmail,
		GithubUserID:   body.GithubUserID,
		Role:           role,
		AccessTokenEnc: tokenEnc,
		TokenExpiresAt: body.TokenExpiresAt,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to upsert participant")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"participantId": p.ID.String(),
		"role":          string(p.Role),
	})
}
