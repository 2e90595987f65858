package api

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/particlhq/background-agents/internal/coordinator"
	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/sandbox"
)

// Upgrade handles GET /:session/ws. The type=sandbox query parameter selects
// sandbox semantics with pre-upgrade credential checks; everything else is a
// client socket that authenticates post-upgrade via subscribe.
func (h *Handler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	cdr, _, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	if fiber.Query[string](c, "type") == "sandbox" {
		return h.upgradeSandbox(c, cdr)
	}

	return websocket.New(func(conn *websocket.Conn) {
		cdr.Hub().ServeClient(conn.Conn)
	})(c)
}

// upgradeSandbox validates the sandbox's pre-allocated credentials before the
// upgrade completes, so a bad sandbox never holds a socket.
func (h *Handler) upgradeSandbox(c fiber.Ctx, cdr *coordinator.Coordinator) error {
	sb, err := h.deps.Sandboxes.GetBySession(c, cdr.SessionID())
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.AuthFailed, "No sandbox record")
		}
		h.log.Error().Err(err).Msg("Failed to load sandbox record")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	// Terminal states block reconnection outright so a stopped sandbox cannot
	// resurrect itself.
	if sb.Status == sandbox.StatusStopped || sb.Status == sandbox.StatusStale {
		return httputil.Fail(c, fiber.StatusGone, protocol.SandboxUnavailable,
			"Sandbox has been "+string(sb.Status))
	}

	token := bearerToken(c.Get("Authorization"))
	if token == "" || sb.AuthToken == "" ||
		subtle.ConstantTimeCompare([]byte(sb.AuthToken), []byte(token)) != 1 {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.AuthFailed, "Invalid sandbox token")
	}

	declaredID := fiber.Query[string](c, "sandboxId")
	if declaredID == "" || declaredID != sb.ExternalID {
		return httputil.Fail(c, fiber.StatusForbidden, protocol.AuthFailed, "Sandbox id mismatch")
	}

	return websocket.New(func(conn *websocket.Conn) {
		cdr.Hub().ServeSandbox(conn.Conn)
	})(c)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
