// Package api wires the coordinator's internal HTTP and WebSocket surface.
// Every route except health and secrets is scoped to one session by the
// :session path parameter, which carries the external session name.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/coordinator"
	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/session"
)

// Handler serves the internal coordinator API.
type Handler struct {
	registry *coordinator.Registry
	deps     coordinator.Deps
	log      zerolog.Logger
}

// NewHandler creates the API handler.
func NewHandler(registry *coordinator.Registry, deps coordinator.Deps) *Handler {
	return &Handler{registry: registry, deps: deps, log: deps.Log}
}

// RegisterRoutes mounts all routes on the app.
func (h *Handler) RegisterRoutes(app *fiber.App, healthHandler *HealthHandler) {
	app.Get("/internal/health", healthHandler.Health)

	app.Get("/internal/secrets", h.ListSecrets)
	app.Put("/internal/secrets", h.SetSecrets)
	app.Delete("/internal/secrets/:key", h.DeleteSecret)

	s := app.Group("/internal/:session")
	s.Post("/init", h.Init)
	s.Get("/state", h.State)
	s.Post("/prompt", h.Prompt)
	s.Post("/stop", h.Stop)
	s.Post("/sandbox-event", h.IngestSandboxEvent)
	s.Get("/participants", h.ListParticipants)
	s.Post("/participants", h.UpsertParticipant)
	s.Get("/events", h.ListEvents)
	s.Get("/artifacts", h.ListArtifacts)
	s.Get("/messages", h.ListMessages)
	s.Post("/create-pr", h.CreatePR)
	s.Post("/ws-token", h.MintWSToken)
	s.Post("/archive", h.Archive)
	s.Post("/unarchive", h.Unarchive)
	s.Post("/verify-sandbox-token", h.VerifySandboxToken)
	s.Post("/snapshot", h.Snapshot)

	app.Get("/:session/ws", h.Upgrade)
}

// resolve looks up the session named in the path and returns its coordinator.
func (h *Handler) resolve(c fiber.Ctx) (*coordinator.Coordinator, *session.Session, error) {
	name := c.Params("session")
	if name == "" {
		return nil, nil, session.ErrNotFound
	}
	return h.registry.GetByName(c, name)
}

// failResolve maps a session lookup failure to an HTTP response.
func (h *Handler) failResolve(c fiber.Ctx, err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return httputil.Fail(c, fiber.StatusNotFound, protocol.SessionNotFound, "Session not found")
	}
	h.log.Error().Err(err).Msg("Failed to resolve session")
	return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
}
