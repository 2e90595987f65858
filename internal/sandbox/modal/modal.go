// Package modal implements the sandbox provider port against the Modal infra
// service's HTTP API. Failures are classified by status code: 4xx responses
// are permanent (counted by the spawn circuit breaker), 5xx and transport
// errors are transient.
package modal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/sandbox"
)

// Provider calls the Modal infra service. It implements sandbox.Provider,
// sandbox.Restorer, and sandbox.Snapshotter.
type Provider struct {
	baseURL   string
	authToken string
	client    *http.Client
	log       zerolog.Logger
}

// New creates a Modal provider client.
func New(baseURL, authToken string, timeout time.Duration, logger zerolog.Logger) *Provider {
	return &Provider{
		baseURL:   baseURL,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
		log:       logger.With().Str("component", "modal").Logger(),
	}
}

type createRequest struct {
	SessionID       string            `json:"sessionId"`
	SandboxID       string            `json:"sandboxId"`
	RepoOwner       string            `json:"repoOwner"`
	RepoName        string            `json:"repoName"`
	ControlPlaneURL string            `json:"controlPlaneUrl"`
	AuthToken       string            `json:"authToken"`
	Provider        string            `json:"provider"`
	Model           string            `json:"model"`
	Env             map[string]string `json:"env,omitempty"`
	SnapshotImageID string            `json:"snapshotImageId,omitempty"`
}

type createResponse struct {
	ObjectID string `json:"objectId"`
}

type snapshotRequest struct {
	Reason string `json:"reason"`
}

type snapshotResponse struct {
	ImageID string `json:"imageId"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

// CreateSandbox asks Modal to materialize a fresh sandbox.
func (p *Provider) CreateSandbox(ctx context.Context, params sandbox.CreateParams) (string, error) {
	var resp createResponse
	if err := p.post(ctx, "/sandboxes", createRequest{
		SessionID:       params.SessionID,
		SandboxID:       params.SandboxID,
		RepoOwner:       params.RepoOwner,
		RepoName:        params.RepoName,
		ControlPlaneURL: params.ControlPlaneURL,
		AuthToken:       params.AuthToken,
		Provider:        params.Provider,
		Model:           params.Model,
		Env:             params.Env,
	}, &resp); err != nil {
		return "", err
	}
	return resp.ObjectID, nil
}

// RestoreFromSnapshot asks Modal to materialize a sandbox from a snapshot
// image.
func (p *Provider) RestoreFromSnapshot(ctx context.Context, params sandbox.CreateParams, snapshotImageID string) (string, error) {
	var resp createResponse
	if err := p.post(ctx, "/sandboxes/restore", createRequest{
		SessionID:       params.SessionID,
		SandboxID:       params.SandboxID,
		RepoOwner:       params.RepoOwner,
		RepoName:        params.RepoName,
		ControlPlaneURL: params.ControlPlaneURL,
		AuthToken:       params.AuthToken,
		Provider:        params.Provider,
		Model:           params.Model,
		Env:             params.Env,
		SnapshotImageID: snapshotImageID,
	}, &resp); err != nil {
		return "", err
	}
	return resp.ObjectID, nil
}

// TakeSnapshot persists the sandbox filesystem and returns the image id.
func (p *Provider) TakeSnapshot(ctx context.Context, objectID, reason string) (string, error) {
	var resp snapshotResponse
	if err := p.post(ctx, "/sandboxes/"+objectID+"/snapshot", snapshotRequest{Reason: reason}, &resp); err != nil {
		return "", err
	}
	return resp.ImageID, nil
}

func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.authToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return &sandbox.ProviderError{Type: sandbox.ErrorTransient, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &sandbox.ProviderError{Type: sandbox.ErrorTransient, Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return p.classify(resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &sandbox.ProviderError{Type: sandbox.ErrorPermanent,
			Message: fmt.Sprintf("invalid provider response: %v", err)}
	}
	return nil
}

// classify maps an error response to a ProviderError. The provider may
// declare its own classification; otherwise 5xx is transient and everything
// else permanent.
func (p *Provider) classify(status int, raw []byte) error {
	var body errorResponse
	_ = json.Unmarshal(raw, &body)

	msg := body.Error
	if msg == "" {
		msg = fmt.Sprintf("provider returned status %d", status)
	}

	errType := sandbox.ErrorPermanent
	switch {
	case body.ErrorType == string(sandbox.ErrorTransient):
		errType = sandbox.ErrorTransient
	case body.ErrorType == string(sandbox.ErrorPermanent):
		errType = sandbox.ErrorPermanent
	case status >= 500:
		errType = sandbox.ErrorTransient
	}

	p.log.Debug().Int("status", status).Str("type", string(errType)).Msg("Provider call failed")
	return &sandbox.ProviderError{Type: errType, Message: msg}
}
