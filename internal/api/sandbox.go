package api

import (
	"crypto/subtle"
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/sandbox"
)

type verifyTokenRequest struct {
	Token string `json:"token"`
}

// VerifySandboxToken handles POST /internal/:session/verify-sandbox-token.
// True only when the token matches and the sandbox has not reached a state
// that blocks reconnection.
func (h *Handler) VerifySandboxToken(c fiber.Ctx) error {
	_, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	var body verifyTokenRequest
	if err := c.Bind().Body(&body); err != nil || body.Token == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.InvalidBody, "token is required")
	}

	sb, err := h.deps.Sandboxes.GetBySession(c, sess.ID)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return httputil.Success(c, fiber.Map{"valid": false})
		}
		h.log.Error().Err(err).Msg("Failed to load sandbox record")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	valid := sb.AuthToken != "" &&
		subtle.ConstantTimeCompare([]byte(sb.AuthToken), []byte(body.Token)) == 1 &&
		sb.Status != sandbox.StatusStopped && sb.Status != sandbox.StatusStale
	return httputil.Success(c, fiber.Map{"valid": valid})
}

type snapshotRequest struct {
	Reason string `json:"reason"`
}

// Snapshot handles POST /internal/:session/snapshot, the operator-triggered
// snapshot path.
func (h *Handler) Snapshot(c fiber.Ctx) error {
	cdr, _, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	var body snapshotRequest
	_ = c.Bind().Body(&body)
	reason := body.Reason
	if reason == "" {
		reason = "manual"
	}

	cdr.Snapshot(c, reason)
	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"status": "snapshot requested"})
}
