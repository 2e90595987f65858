package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/particlhq/background-agents/internal/coordinator"
	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/protocol"
)

type createPRRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Draft bool   `json:"draft"`
}

// CreatePR handles POST /internal/:session/create-pr.
func (h *Handler) CreatePR(c fiber.Ctx) error {
	cdr, _, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	var body createPRRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.InvalidBody, "Invalid request body")
	}

	pr, err := cdr.CreatePR(c, coordinator.CreatePRParams{
		Title: body.Title,
		Body:  body.Body,
		Draft: body.Draft,
	})
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrNoProcessingMessage):
			return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError,
				"No message is currently processing")
		case errors.Is(err, coordinator.ErrReauthRequired):
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.ReauthRequired,
				"Host token missing or expired, please re-authenticate")
		case errors.Is(err, coordinator.ErrPushTimeout):
			return httputil.Fail(c, fiber.StatusGatewayTimeout, protocol.SandboxUnavailable,
				"Timed out waiting for the sandbox to push")
		}
		h.log.Error().Err(err).Msg("Failed to create pull request")
		return httputil.Fail(c, fiber.StatusBadGateway, protocol.InternalError, "Pull request creation failed")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"number": pr.Number,
		"url":    pr.URL,
		"title":  pr.Title,
		"head":   pr.Head,
		"base":   pr.Base,
	})
}
