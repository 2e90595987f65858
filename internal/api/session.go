package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/particlhq/background-agents/internal/crypto"
	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/participant"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/sandbox"
	"github.com/particlhq/background-agents/internal/session"
)

type initRequest struct {
	RepoOwner            string     `json:"repoOwner"`
	RepoName             string     `json:"repoName"`
	Title                string     `json:"title"`
	Model                string     `json:"model"`
	UserID               string     `json:"userId"`
	GithubLogin          string     `json:"githubLogin"`
	GithubName           string     `json:"githubName"`
	GithubEmail          string     `json:"githubEmail"`
	GithubUserID         int64      `json:"githubUserId"`
	GithubToken          string     `json:"githubToken"`
	GithubTokenEncrypted string     `json:"githubTokenEncrypted"`
	TokenExpiresAt       *time.Time `json:"tokenExpiresAt"`
}

// Init handles POST /internal/:session/init. It creates the session row, the
// sandbox record, and the owner participant in one shot.
func (h *Handler) Init(c fiber.Ctx) error {
	var body initRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.InvalidBody, "Invalid request body")
	}
	if body.RepoOwner == "" || body.RepoName == "" || body.UserID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.ValidationError,
			"repoOwner, repoName, and userId are required")
	}

	model := body.Model
	if model == "" {
		model = h.deps.Cfg.DefaultModel
	}

	sess, err := h.deps.Sessions.Create(c, session.CreateParams{
		SessionName: c.Params("session"),
		Title:       body.Title,
		RepoOwner:   body.RepoOwner,
		RepoName:    body.RepoName,
		Model:       model,
	})
	if err != nil {
		if errors.Is(err, session.ErrAlreadyExists) {
			return httputil.Fail(c, fiber.StatusConflict, protocol.ValidationError, "Session already exists")
		}
		h.log.Error().Err(err).Msg("Failed to create session")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	if _, err := h.deps.Sandboxes.Create(c, sess.ID); err != nil {
		h.log.Error().Err(err).Msg("Failed to create sandbox record")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	tokenEnc, err := h.encryptHostToken(body.GithubToken, body.GithubTokenEncrypted)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encrypt host token")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	if _, err := h.deps.Participants.Upsert(c, participant.UpsertParams{
		SessionID:      sess.ID,
		UserID:         body.UserID,
		GithubLogin:    body.GithubLogin,
		GithubName:     body.GithubName,
		GithubEmail:    body.GithubEmail,
		GithubUserID:   body.GithubUserID,
		Role:           participant.RoleOwner,
		AccessTokenEnc: tokenEnc,
		TokenExpiresAt: body.TokenExpiresAt,
	}); err != nil {
		h.log.Error().Err(err).Msg("Failed to create owner participant")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"sessionId": sess.ID.String(),
		"status":    string(session.StatusCreated),
	})
}

// encryptHostToken stores a pre-encrypted token as-is and envelope-encrypts a
// plaintext one. Returns nil when neither is provided.
func (h *Handler) encryptHostToken(plain, preEncrypted string) (*string, error) {
	if preEncrypted != "" {
		return &preEncrypted, nil
	}
	if plain == "" {
		return nil, nil
	}
	enc, err := crypto.Encrypt(plain, h.deps.Cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

// State handles GET /internal/:session/state.
func (h *Handler) State(c fiber.Ctx) error {
	_, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	sb, err := h.deps.Sandboxes.GetBySession(c, sess.ID)
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		h.log.Error().Err(err).Msg("Failed to load sandbox record")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	state := fiber.Map{
		"session": fiber.Map{
			"id":            sess.ID.String(),
			"name":          sess.SessionName,
			"title":         sess.Title,
			"repoOwner":     sess.RepoOwner,
			"repoName":      sess.RepoName,
			"defaultBranch": sess.RepoDefaultBranch,
			"branchName":    sess.BranchName,
			"currentSha":    sess.CurrentSHA,
			"model":         sess.Model,
			"status":        string(sess.Status),
			"createdAt":     sess.CreatedAt,
		},
	}
	if sb != nil {
		state["sandbox"] = fiber.Map{
			"status":          string(sb.Status),
			"externalId":      sb.ExternalID,
			"snapshotImageId": sb.SnapshotImageID,
			"gitSyncStatus":   sb.GitSyncStatus,
			"lastHeartbeatAt": sb.LastHeartbeatAt,
			"lastActivityAt":  sb.LastActivityAt,
		}
	}
	return httputil.Success(c, state)
}

type wsTokenRequest struct {
	UserID string `json:"userId"`
}

// MintWSToken handles POST /internal/:session/ws-token. The plaintext token
// appears only in this response; the database keeps its SHA-256.
func (h *Handler) MintWSToken(c fiber.Ctx) error {
	_, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	var body wsTokenRequest
	if err := c.Bind().Body(&body); err != nil || body.UserID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.InvalidBody, "userId is required")
	}

	p, err := h.deps.Participants.GetByUserID(c, sess.ID, body.UserID)
	if err != nil {
		if errors.Is(err, participant.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, protocol.NotFound, "Participant not found")
		}
		h.log.Error().Err(err).Msg("Failed to load participant")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	token := crypto.NewToken()
	if err := h.deps.Participants.SetWSToken(c, p.ID, crypto.HashToken(token), time.Now()); err != nil {
		h.log.Error().Err(err).Msg("Failed to store ws token hash")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	return httputil.Success(c, fiber.Map{
		"token":         token,
		"participantId": p.ID.String(),
	})
}

type archiveRequest struct {
	UserID string `json:"userId"`
}

// Archive handles POST /internal/:session/archive.
func (h *Handler) Archive(c fiber.Ctx) error {
	return h.setSessionStatus(c, session.StatusArchived)
}

// Unarchive handles POST /internal/:session/unarchive.
func (h *Handler) Unarchive(c fiber.Ctx) error {
	return h.setSessionStatus(c, session.StatusActive)
}

func (h *Handler) setSessionStatus(c fiber.Ctx, status session.Status) error {
	cdr, sess, err := h.resolve(c)
	if err != nil {
		return h.failResolve(c, err)
	}

	var body archiveRequest
	if err := c.Bind().Body(&body); err != nil || body.UserID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.InvalidBody, "userId is required")
	}
	if _, err := h.deps.Participants.GetByUserID(c, sess.ID, body.UserID); err != nil {
		if errors.Is(err, participant.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusForbidden, protocol.AuthFailed, "Not a session participant")
		}
		h.log.Error().Err(err).Msg("Failed to load participant")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	if err := h.deps.Sessions.UpdateStatus(c, sess.ID, status); err != nil {
		h.log.Error().Err(err).Msg("Failed to update session status")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.InternalError, "An internal error occurred")
	}

	cdr.Hub().Broadcast(protocol.ServerSessionStatus, fiber.Map{"status": string(status)})
	return httputil.Success(c, fiber.Map{"status": string(status)})
}
