package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/secrets"
)

type setSecretsRequest struct {
	RepoID    int64             `json:"repoId"`
	RepoOwner string            `json:"repoOwner"`
	RepoName  string            `json:"repoName"`
	Secrets   map[string]string `json:"secrets"`
}

// SetSecrets handles PUT /internal/secrets, a batch upsert for one repo.
func (h *Handler) SetSecrets(c fiber.Ctx) error {
	var body setSecretsRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.InvalidBody, "Invalid request body")
	}
	if body.RepoID == 0 || len(body.Secrets) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError,
			"repoId and at least one secret are required")
	}

	err := h.deps.Secrets.Set(c, secrets.RepoRef{
		ID:    body.RepoID,
		Owner: body.RepoOwner,
		Name:  body.RepoName,
	}, body.Secrets)
	if err != nil {
		if isSecretsValidation(err) {
			return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, err.Error())
		}
		h.log.Error().Err(err).Msg("Failed to set secrets")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"status": "ok"})
}

// ListSecrets handles GET /internal/secrets?repoId=. Only key metadata is
// returned, never values.
func (h *Handler) ListSecrets(c fiber.Ctx) error {
	repoID := fiber.Query[int64](c, "repoId")
	if repoID == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "repoId is required")
	}

	keys, err := h.deps.Secrets.Keys(c, repoID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list secrets")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"keys": keys})
}

// DeleteSecret handles DELETE /internal/secrets/:key?repoId=.
func (h *Handler) DeleteSecret(c fiber.Ctx) error {
	repoID := fiber.Query[int64](c, "repoId")
	key := c.Params("key")
	if repoID == 0 || key == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError, "repoId and key are required")
	}

	if err := h.deps.Secrets.Delete(c, repoID, key); err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, protocol.NotFound, "Secret not found")
		}
		h.log.Error().Err(err).Msg("Failed to delete secret")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}
	return httputil.Success(c, fiber.Map{"status": "deleted"})
}

func isSecretsValidation(err error) bool {
	return errors.Is(err, secrets.ErrInvalidKey) ||
		errors.Is(err, secrets.ErrKeyTooLong) ||
		errors.Is(err, secrets.ErrReservedKey) ||
		errors.Is(err, secrets.ErrValueTooLarge) ||
		errors.Is(err, secrets.ErrQuotaExceeded) ||
		errors.Is(err, secrets.ErrTooManySecrets)
}
