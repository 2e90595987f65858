package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/artifact"
	"github.com/particlhq/background-agents/internal/config"
	"github.com/particlhq/background-agents/internal/coordinator"
	"github.com/particlhq/background-agents/internal/event"
	"github.com/particlhq/background-agents/internal/gateway"
	"github.com/particlhq/background-agents/internal/message"
	"github.com/particlhq/background-agents/internal/participant"
	"github.com/particlhq/background-agents/internal/presence"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/sandbox"
	"github.com/particlhq/background-agents/internal/secrets"
	"github.com/particlhq/background-agents/internal/session"
)

const testMasterKey = "5f4dcc3b5aa765d61d8327deb882cf995f4dcc3b5aa765d61d8327deb882cf99"

var testTimeout = fiber.TestConfig{Timeout: 30 * time.Second}

// fakeSessions implements session.Repository over a map keyed by name.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*session.Session)}
}

func (r *fakeSessions) Create(_ context.Context, params session.CreateParams) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[params.SessionName]; ok {
		return nil, session.ErrAlreadyExists
	}
	s := &session.Session{
		ID:          uuid.New(),
		SessionName: params.SessionName,
		Title:       params.Title,
		RepoOwner:   params.RepoOwner,
		RepoName:    params.RepoName,
		Model:       params.Model,
		Status:      session.StatusCreated,
		CreatedAt:   time.Now(),
	}
	r.sessions[params.SessionName] = s
	return s, nil
}

func (r *fakeSessions) GetByName(_ context.Context, name string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[name]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, session.ErrNotFound
}

func (r *fakeSessions) GetByID(_ context.Context, id uuid.UUID) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, session.ErrNotFound
}

func (r *fakeSessions) UpdateStatus(_ context.Context, id uuid.UUID, status session.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			s.Status = status
			return nil
		}
	}
	return session.ErrNotFound
}

func (r *fakeSessions) SetBranchName(_ context.Context, id uuid.UUID, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			s.BranchName = branch
		}
	}
	return nil
}

func (r *fakeSessions) SetCurrentSHA(_ context.Context, id uuid.UUID, sha string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			s.CurrentSHA = sha
		}
	}
	return nil
}

func (r *fakeSessions) SetRepoInfo(_ context.Context, id uuid.UUID, defaultBranch string, repoID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == id {
			s.RepoDefaultBranch = defaultBranch
			s.RepoID = repoID
		}
	}
	return nil
}

// fakeParticipants implements participant.Repository over a map keyed by id.
type fakeParticipants struct {
	mu    sync.Mutex
	parts map[uuid.UUID]participant.Participant
}

func newFakeParticipants() *fakeParticipants {
	return &fakeParticipants{parts: make(map[uuid.UUID]participant.Participant)}
}

func (r *fakeParticipants) Upsert(_ context.Context, params participant.UpsertParams) (*participant.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.parts {
		if p.SessionID == params.SessionID && p.UserID == params.UserID {
			p.GithubLogin = params.GithubLogin
			p.AccessTokenEnc = params.AccessTokenEnc
			p.TokenExpiresAt = params.TokenExpiresAt
			r.parts[id] = p
			return &p, nil
		}
	}
	p := participant.Participant{
		ID:             uuid.New(),
		SessionID:      params.SessionID,
		UserID:         params.UserID,
		GithubLogin:    params.GithubLogin,
		GithubName:     params.GithubName,
		GithubEmail:    params.GithubEmail,
		GithubUserID:   params.GithubUserID,
		Role:           params.Role,
		AccessTokenEnc: params.AccessTokenEnc,
		TokenExpiresAt: params.TokenExpiresAt,
		CreatedAt:      time.Now(),
	}
	r.parts[p.ID] = p
	return &p, nil
}

func (r *fakeParticipants) GetByID(_ context.Context, id uuid.UUID) (*participant.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.parts[id]; ok {
		return &p, nil
	}
	return nil, participant.ErrNotFound
}

func (r *fakeParticipants) GetByUserID(_ context.Context, sessionID uuid.UUID, userID string) (*participant.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.parts {
		if p.SessionID == sessionID && p.UserID == userID {
			return &p, nil
		}
	}
	return nil, participant.ErrNotFound
}

func (r *fakeParticipants) GetByTokenHash(_ context.Context, sessionID uuid.UUID, hash string) (*participant.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.parts {
		if p.SessionID == sessionID && p.WSTokenHash != nil && *p.WSTokenHash == hash {
			return &p, nil
		}
	}
	return nil, participant.ErrNotFound
}

func (r *fakeParticipants) List(_ context.Context, sessionID uuid.UUID) ([]participant.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []participant.Participant
	for _, p := range r.parts {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *fakeParticipants) SetWSToken(_ context.Context, id uuid.UUID, tokenHash string, issuedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parts[id]
	if !ok {
		return participant.ErrNotFound
	}
	p.WSTokenHash = &tokenHash
	p.WSTokenIssued = &issuedAt
	r.parts[id] = p
	return nil
}

func (r *fakeParticipants) UpdateHostTokens(_ context.Context, id uuid.UUID, accessEnc, refreshEnc *string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parts[id]
	if !ok {
		return participant.ErrNotFound
	}
	p.AccessTokenEnc = accessEnc
	p.RefreshTokenEnc = refreshEnc
	p.TokenExpiresAt = expiresAt
	r.parts[id] = p
	return nil
}

// fakeMessages implements message.Repository with the guarded transitions of
// the real one.
type fakeMessages struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (r *fakeMessages) Enqueue(_ context.Context, params message.EnqueueParams) (*message.Message, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := message.Message{
		ID:              uuid.New(),
		SessionID:       params.SessionID,
		AuthorID:        params.AuthorID,
		Content:         params.Content,
		Source:          params.Source,
		Model:           params.Model,
		Attachments:     params.Attachments,
		Status:          message.StatusPending,
		CallbackContext: params.CallbackContext,
		CreatedAt:       time.Now(),
	}
	r.msgs = append(r.msgs, m)
	position := 0
	for _, q := range r.msgs {
		if q.Status == message.StatusPending {
			position++
		}
	}
	return &m, position, nil
}

func (r *fakeMessages) GetByID(_ context.Context, id uuid.UUID) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs {
		if r.msgs[i].ID == id {
			m := r.msgs[i]
			return &m, nil
		}
	}
	return nil, message.ErrNotFound
}

func (r *fakeMessages) OldestPending(_ context.Context, _ uuid.UUID) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs {
		if r.msgs[i].Status == message.StatusPending {
			m := r.msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (r *fakeMessages) Processing(_ context.Context, _ uuid.UUID) (*message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs {
		if r.msgs[i].Status == message.StatusProcessing {
			m := r.msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (r *fakeMessages) MarkProcessing(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs {
		if r.msgs[i].ID == id {
			if r.msgs[i].Status != message.StatusPending {
				return message.ErrNotPending
			}
			r.msgs[i].Status = message.StatusProcessing
			return nil
		}
	}
	return message.ErrNotFound
}

func (r *fakeMessages) Complete(_ context.Context, id uuid.UUID, success bool, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs {
		if r.msgs[i].ID == id {
			if r.msgs[i].Status != message.StatusProcessing {
				return message.ErrNotProcessing
			}
			if success {
				r.msgs[i].Status = message.StatusCompleted
			} else {
				r.msgs[i].Status = message.StatusFailed
			}
			r.msgs[i].ErrorMessage = errMsg
			return nil
		}
	}
	return message.ErrNotFound
}

func (r *fakeMessages) ListRecent(_ context.Context, _ uuid.UUID, limit int) ([]message.Message, error) {
	return nil, nil
}

func (r *fakeMessages) List(_ context.Context, _ uuid.UUID, _ *time.Time, limit int, _ *message.Status) ([]message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]message.Message(nil), r.msgs...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeEvents implements event.Repository.
type fakeEvents struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *fakeEvents) Append(_ context.Context, params event.AppendParams) (*event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := event.Event{
		ID:        uuid.New(),
		SessionID: params.SessionID,
		Type:      params.Type,
		Data:      params.Data,
		MessageID: params.MessageID,
		CreatedAt: time.Now(),
	}
	r.events = append(r.events, e)
	return &e, nil
}

func (r *fakeEvents) ListRecent(_ context.Context, _ uuid.UUID, _ int) ([]event.Event, error) {
	return nil, nil
}

func (r *fakeEvents) List(_ context.Context, _ uuid.UUID, _ *time.Time, limit int, _ *protocol.SandboxEventType, _ *uuid.UUID) ([]event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]event.Event(nil), r.events...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeEvents) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// fakeArtifacts implements artifact.Repository.
type fakeArtifacts struct {
	mu   sync.Mutex
	rows []artifact.Artifact
}

func (r *fakeArtifacts) Append(_ context.Context, params artifact.AppendParams) (*artifact.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := artifact.Artifact{
		ID:        uuid.New(),
		SessionID: params.SessionID,
		Type:      params.Type,
		URL:       params.URL,
		Metadata:  params.Metadata,
		CreatedAt: time.Now(),
	}
	r.rows = append(r.rows, a)
	return &a, nil
}

func (r *fakeArtifacts) List(_ context.Context, _ uuid.UUID) ([]artifact.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]artifact.Artifact(nil), r.rows...), nil
}

// fakeSandboxes implements sandbox.Repository with one row per session.
type fakeSandboxes struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*sandbox.Sandbox
}

func newFakeSandboxes() *fakeSandboxes {
	return &fakeSandboxes{rows: make(map[uuid.UUID]*sandbox.Sandbox)}
}

func (r *fakeSandboxes) Create(_ context.Context, sessionID uuid.UUID) (*sandbox.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb := &sandbox.Sandbox{ID: uuid.New(), SessionID: sessionID, Status: sandbox.StatusPending}
	r.rows[sessionID] = sb
	cp := *sb
	return &cp, nil
}

func (r *fakeSandboxes) GetBySession(_ context.Context, sessionID uuid.UUID) (*sandbox.Sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sb, ok := r.rows[sessionID]; ok {
		cp := *sb
		return &cp, nil
	}
	return nil, sandbox.ErrNotFound
}

func (r *fakeSandboxes) PrepareSpawn(_ context.Context, sessionID uuid.UUID, externalID, authToken string, now time.Time) error {
	return r.mutate(sessionID, func(sb *sandbox.Sandbox) {
		sb.ExternalID = externalID
		sb.AuthToken = authToken
		sb.Status = sandbox.StatusSpawning
		sb.SpawnedAt = &now
	})
}

func (r *fakeSandboxes) SetStatus(_ context.Context, sessionID uuid.UUID, status sandbox.Status) error {
	return r.mutate(sessionID, func(sb *sandbox.Sandbox) { sb.Status = status })
}

func (r *fakeSandboxes) SetStatusFrom(_ context.Context, sessionID uuid.UUID, from, to sandbox.Status) (bool, error) {
	swapped := false
	err := r.mutate(sessionID, func(sb *sandbox.Sandbox) {
		if sb.Status == from {
			sb.Status = to
			swapped = true
		}
	})
	return swapped, err
}

func (r *fakeSandboxes) SetProviderObjectID(_ context.Context, sessionID uuid.UUID, objectID string) error {
	return r.mutate(sessionID, func(sb *sandbox.Sandbox) { sb.ProviderObjectID = objectID })
}

func (r *fakeSandboxes) SetSnapshotImageID(_ context.Context, sessionID uuid.UUID, imageID string) error {
	return r.mutate(sessionID, func(sb *sandbox.Sandbox) { sb.SnapshotImageID = &imageID })
}

func (r *fakeSandboxes) SetGitSyncStatus(_ context.Context, sessionID uuid.UUID, status string) error {
	return r.mutate(sessionID, func(sb *sandbox.Sandbox) { sb.GitSyncStatus = status })
}

func (r *fakeSandboxes) StampHeartbeat(_ context.Context, sessionID uuid.UUID, at time.Time) error {
	return r.mutate(sessionID, func(sb *sandbox.Sandbox) { sb.LastHeartbeatAt = &at })
}

func (r *fakeSandboxes) StampActivity(_ context.Context, sessionID uuid.UUID, at time.Time) error {
	return r.mutate(sessionID, func(sb *sandbox.Sandbox) { sb.LastActivityAt = &at })
}

func (r *fakeSandboxes) RecordSpawnFailure(_ context.Context, sessionID uuid.UUID, msg string, countsAgainstBreaker bool, at time.Time) error {
	return r.mutate(sessionID, func(sb *sandbox.Sandbox) {
		sb.Status = sandbox.StatusFailed
		sb.LastSpawnError = &msg
		sb.LastSpawnErrorAt = &at
		if countsAgainstBreaker {
			sb.FailureCount++
			sb.LastFailureAt = &at
		}
	})
}

func (r *fakeSandboxes) ResetFailures(_ context.Context, sessionID uuid.UUID) error {
	return r.mutate(sessionID, func(sb *sandbox.Sandbox) {
		sb.FailureCount = 0
		sb.LastFailureAt = nil
	})
}

func (r *fakeSandboxes) mutate(sessionID uuid.UUID, mut func(sb *sandbox.Sandbox)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.rows[sessionID]
	if !ok {
		return sandbox.ErrNotFound
	}
	mut(sb)
	return nil
}

// fakeSecretRepo implements secrets.Repository.
type fakeSecretRepo struct {
	mu   sync.Mutex
	rows map[int64]map[string]secrets.Secret
}

func newFakeSecretRepo() *fakeSecretRepo {
	return &fakeSecretRepo{rows: make(map[int64]map[string]secrets.Secret)}
}

func (r *fakeSecretRepo) Upsert(_ context.Context, s secrets.Secret) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows[s.RepoID] == nil {
		r.rows[s.RepoID] = make(map[string]secrets.Secret)
	}
	r.rows[s.RepoID][s.Key] = s
	return nil
}

func (r *fakeSecretRepo) UpsertBatch(ctx context.Context, items []secrets.Secret) error {
	for _, s := range items {
		if err := r.Upsert(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeSecretRepo) List(_ context.Context, repoID int64) ([]secrets.Secret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []secrets.Secret
	for _, s := range r.rows[repoID] {
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeSecretRepo) Delete(_ context.Context, repoID int64, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[repoID][key]; !ok {
		return secrets.ErrNotFound
	}
	delete(r.rows[repoID], key)
	return nil
}

type noopMappings struct{}

func (noopMappings) Put(context.Context, gateway.Mapping) error { return nil }
func (noopMappings) Get(context.Context, string) (*gateway.Mapping, error) {
	return nil, gateway.ErrMappingNotFound
}
func (noopMappings) Delete(context.Context, string) error { return nil }

// noopProvider satisfies the provider ports without doing anything.
type noopProvider struct{}

func (noopProvider) CreateSandbox(_ context.Context, params sandbox.CreateParams) (string, error) {
	return "obj-" + params.SandboxID, nil
}

type apiFixture struct {
	app       *fiber.App
	sessions  *fakeSessions
	parts     *fakeParticipants
	messages  *fakeMessages
	events    *fakeEvents
	artifacts *fakeArtifacts
	sandboxes *fakeSandboxes
	registry  *coordinator.Registry
	deps      coordinator.Deps
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		MasterKey:           testMasterKey,
		DefaultModel:        "claude-sonnet-4-5",
		ServerURL:           "https://particl.dev",
		SpawnCooldown:       30 * time.Second,
		ReadyWait:           60 * time.Second,
		BreakerThreshold:    3,
		BreakerWindow:       5 * time.Minute,
		InactivityTimeout:   10 * time.Minute,
		InactivityExtension: 5 * time.Minute,
		MinCheckInterval:    30 * time.Second,
		HeartbeatStaleAfter: 90 * time.Second,
		PushTimeout:         time.Second,
		SubscribeTimeout:    5 * time.Second,
		OutboundHTTPTimeout: 5 * time.Second,
		HostTokenExpirySkew: time.Minute,
		HistoryMessageLimit: 50,
		HistoryEventLimit:   100,
	}

	fx := &apiFixture{
		sessions:  newFakeSessions(),
		parts:     newFakeParticipants(),
		messages:  &fakeMessages{},
		events:    &fakeEvents{},
		artifacts: &fakeArtifacts{},
		sandboxes: newFakeSandboxes(),
	}
	fx.deps = coordinator.Deps{
		Cfg:          cfg,
		Sessions:     fx.sessions,
		Participants: fx.parts,
		Messages:     fx.messages,
		Events:       fx.events,
		Artifacts:    fx.artifacts,
		Sandboxes:    fx.sandboxes,
		Secrets:      secrets.NewService(newFakeSecretRepo(), testMasterKey, zerolog.Nop()),
		Provider:     noopProvider{},
		Log:          zerolog.Nop(),
	}
	fx.registry = coordinator.NewRegistry(fx.deps, noopMappings{}, presence.NewStore(rdb))

	fx.app = fiber.New()
	NewHandler(fx.registry, fx.deps).RegisterRoutes(fx.app, &HealthHandler{})
	return fx
}

// seedSession creates a session with a sandbox row already in spawning state
// so prompt tests do not trigger a fresh spawn.
func (fx *apiFixture) seedSession(t *testing.T, name string) *session.Session {
	t.Helper()
	sess, err := fx.sessions.Create(context.Background(), session.CreateParams{
		SessionName: name,
		Title:       "Fix flaky tests",
		RepoOwner:   "particlhq",
		RepoName:    "web",
		Model:       "claude-sonnet-4-5",
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if _, err := fx.sandboxes.Create(context.Background(), sess.ID); err != nil {
		t.Fatalf("seed sandbox: %v", err)
	}
	if err := fx.sandboxes.SetStatus(context.Background(), sess.ID, sandbox.StatusSpawning); err != nil {
		t.Fatalf("seed sandbox status: %v", err)
	}
	return sess
}

func (fx *apiFixture) seedParticipant(t *testing.T, sessionID uuid.UUID, userID string) *participant.Participant {
	t.Helper()
	p, err := fx.parts.Upsert(context.Background(), participant.UpsertParams{
		SessionID:   sessionID,
		UserID:      userID,
		GithubLogin: "octocat",
		Role:        participant.RoleOwner,
	})
	if err != nil {
		t.Fatalf("seed participant: %v", err)
	}
	return p
}

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseData(t *testing.T, body []byte, out any) {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("unmarshal data %q: %v", string(env.Data), err)
	}
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// --- Init ---

func TestInit_CreatesSessionSandboxAndOwner(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/init",
		`{"repoOwner":"particlhq","repoName":"web","title":"Fix tests","userId":"github:1","githubLogin":"octocat","githubToken":"gho_secret"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var data struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
	}
	parseData(t, body, &data)
	if data.Status != "created" {
		t.Errorf("status = %q", data.Status)
	}

	sess, err := fx.sessions.GetByName(context.Background(), "happy-narwhal")
	if err != nil {
		t.Fatalf("session not created: %v", err)
	}
	if _, err := fx.sandboxes.GetBySession(context.Background(), sess.ID); err != nil {
		t.Errorf("sandbox record not created: %v", err)
	}
	owner, err := fx.parts.GetByUserID(context.Background(), sess.ID, "github:1")
	if err != nil {
		t.Fatalf("owner participant not created: %v", err)
	}
	if owner.Role != participant.RoleOwner {
		t.Errorf("role = %v, want owner", owner.Role)
	}
	// The host token is stored encrypted, never as plaintext.
	if owner.AccessTokenEnc == nil || *owner.AccessTokenEnc == "gho_secret" {
		t.Errorf("access token enc = %v", owner.AccessTokenEnc)
	}
}

func TestInit_Validation(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/s1/init", `{"repoOwner":"particlhq"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.ValidationError) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

func TestInit_Duplicate(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	fx.seedSession(t, "happy-narwhal")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/init",
		`{"repoOwner":"particlhq","repoName":"web","userId":"github:1"}`))

	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusConflict)
	}
	_ = readBody(t, resp)
}

// --- State ---

func TestState(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	fx.seedSession(t, "happy-narwhal")

	resp := doReq(t, fx.app, jsonReq(http.MethodGet, "/internal/happy-narwhal/state", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var data struct {
		Session struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"session"`
		Sandbox struct {
			Status string `json:"status"`
		} `json:"sandbox"`
	}
	parseData(t, body, &data)
	if data.Session.Name != "happy-narwhal" || data.Session.Model != "claude-sonnet-4-5" {
		t.Errorf("session = %+v", data.Session)
	}
	if data.Sandbox.Status != "spawning" {
		t.Errorf("sandbox status = %q", data.Sandbox.Status)
	}
}

func TestState_UnknownSession(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := doReq(t, fx.app, jsonReq(http.MethodGet, "/internal/nope/state", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.SessionNotFound) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

// --- Prompt ---

func TestPrompt_Queues(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	sess := fx.seedSession(t, "happy-narwhal")
	fx.seedParticipant(t, sess.ID, "github:1")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/prompt",
		`{"content":"add a retry loop","authorId":"github:1"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var data struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}
	parseData(t, body, &data)
	if data.Status != "queued" || data.MessageID == "" {
		t.Errorf("data = %+v", data)
	}

	id, err := uuid.Parse(data.MessageID)
	if err != nil {
		t.Fatalf("parse message id: %v", err)
	}
	msg, err := fx.messages.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("message not stored: %v", err)
	}
	if msg.Source != message.SourceWeb {
		t.Errorf("source = %v, want web default", msg.Source)
	}
}

func TestPrompt_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		body       string
		seedAuthor bool
		wantStatus int
		wantCode   protocol.Code
	}{
		{
			"unknown session",
			"/internal/nope/prompt",
			`{"content":"x","authorId":"github:1"}`,
			false, fiber.StatusNotFound, protocol.SessionNotFound,
		},
		{
			"missing content",
			"/internal/happy-narwhal/prompt",
			`{"authorId":"github:1"}`,
			true, fiber.StatusBadRequest, protocol.ValidationError,
		},
		{
			"invalid source",
			"/internal/happy-narwhal/prompt",
			`{"content":"x","authorId":"github:1","source":"carrier-pigeon"}`,
			true, fiber.StatusBadRequest, protocol.ValidationError,
		},
		{
			"unknown author",
			"/internal/happy-narwhal/prompt",
			`{"content":"x","authorId":"github:999"}`,
			true, fiber.StatusNotFound, protocol.NotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fx := newAPIFixture(t)
			sess := fx.seedSession(t, "happy-narwhal")
			if tt.seedAuthor {
				fx.seedParticipant(t, sess.ID, "github:1")
			}

			resp := doReq(t, fx.app, jsonReq(http.MethodPost, tt.path, tt.body))
			body := readBody(t, resp)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.wantStatus, body)
			}
			if env := parseError(t, body); env.Error.Code != string(tt.wantCode) {
				t.Errorf("error code = %q, want %q", env.Error.Code, tt.wantCode)
			}
		})
	}
}

// --- WS token ---

func TestMintWSToken(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	sess := fx.seedSession(t, "happy-narwhal")
	p := fx.seedParticipant(t, sess.ID, "github:1")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/ws-token",
		`{"userId":"github:1"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var data struct {
		Token         string `json:"token"`
		ParticipantID string `json:"participantId"`
	}
	parseData(t, body, &data)
	if len(data.Token) != 64 {
		t.Errorf("token length = %d, want 64", len(data.Token))
	}
	if data.ParticipantID != p.ID.String() {
		t.Errorf("participantId = %q, want %q", data.ParticipantID, p.ID)
	}

	// Only the hash lands in storage.
	stored, err := fx.parts.GetByID(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("reload participant: %v", err)
	}
	if stored.WSTokenHash == nil || *stored.WSTokenHash == data.Token {
		t.Errorf("ws token hash = %v", stored.WSTokenHash)
	}
}

func TestMintWSToken_UnknownParticipant(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	fx.seedSession(t, "happy-narwhal")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/ws-token",
		`{"userId":"github:999"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.NotFound) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

// --- Archive ---

func TestArchive(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	sess := fx.seedSession(t, "happy-narwhal")
	fx.seedParticipant(t, sess.ID, "github:1")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/archive",
		`{"userId":"github:1"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	reloaded, _ := fx.sessions.GetByName(context.Background(), "happy-narwhal")
	if reloaded.Status != session.StatusArchived {
		t.Errorf("session status = %v, want archived", reloaded.Status)
	}
}

func TestArchive_NotParticipant(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	fx.seedSession(t, "happy-narwhal")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/archive",
		`{"userId":"github:1"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusForbidden)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.AuthFailed) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

// --- Sandbox token verification ---

func TestVerifySandboxToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		token     string
		reqToken  string
		status    sandbox.Status
		wantValid bool
	}{
		{"match", "tok-1", "tok-1", sandbox.StatusConnecting, true},
		{"mismatch", "tok-1", "tok-2", sandbox.StatusConnecting, false},
		{"stopped sandbox", "tok-1", "tok-1", sandbox.StatusStopped, false},
		{"stale sandbox", "tok-1", "tok-1", sandbox.StatusStale, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fx := newAPIFixture(t)
			sess := fx.seedSession(t, "happy-narwhal")
			if err := fx.sandboxes.PrepareSpawn(context.Background(), sess.ID, "sb-1", tt.token, time.Now()); err != nil {
				t.Fatalf("prepare spawn: %v", err)
			}
			if err := fx.sandboxes.SetStatus(context.Background(), sess.ID, tt.status); err != nil {
				t.Fatalf("set status: %v", err)
			}

			resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/verify-sandbox-token",
				`{"token":"`+tt.reqToken+`"}`))
			body := readBody(t, resp)

			if resp.StatusCode != fiber.StatusOK {
				t.Fatalf("status = %d: %s", resp.StatusCode, body)
			}
			var data struct {
				Valid bool `json:"valid"`
			}
			parseData(t, body, &data)
			if data.Valid != tt.wantValid {
				t.Errorf("valid = %v, want %v", data.Valid, tt.wantValid)
			}
		})
	}
}

func TestVerifySandboxToken_MissingToken(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	fx.seedSession(t, "happy-narwhal")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/verify-sandbox-token", `{}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.InvalidBody) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

// --- Sandbox event ingestion ---

func TestIngestSandboxEvent(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	fx.seedSession(t, "happy-narwhal")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/sandbox-event",
		`{"type":"heartbeat"}`))
	_ = readBody(t, resp)

	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusAccepted)
	}
	if fx.events.count() != 1 {
		t.Errorf("events persisted = %d, want 1", fx.events.count())
	}
}

func TestIngestSandboxEvent_Invalid(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	fx.seedSession(t, "happy-narwhal")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/sandbox-event",
		`{"type":"reboot"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.ValidationError) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

// --- Create PR ---

func TestCreatePR_NoProcessingMessage(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	fx.seedSession(t, "happy-narwhal")

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/create-pr",
		`{"title":"Fix tests"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.ValidationError) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

func TestCreatePR_ReauthRequired(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)
	sess := fx.seedSession(t, "happy-narwhal")
	p := fx.seedParticipant(t, sess.ID, "github:1")

	// A processing prompt by an author with no stored host token.
	msg, _, err := fx.messages.Enqueue(context.Background(), message.EnqueueParams{
		SessionID: sess.ID, AuthorID: p.ID, Content: "x", Source: message.SourceWeb,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := fx.messages.MarkProcessing(context.Background(), msg.ID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	resp := doReq(t, fx.app, jsonReq(http.MethodPost, "/internal/happy-narwhal/create-pr", `{}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusUnauthorized, body)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.ReauthRequired) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

// --- Secrets ---

func TestSetAndListSecrets(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := doReq(t, fx.app, jsonReq(http.MethodPut, "/internal/secrets",
		`{"repoId":42,"repoOwner":"particlhq","repoName":"web","secrets":{"api_key":"v1","DB_URL":"v2"}}`))
	body := readBody(t, resp)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("set status = %d: %s", resp.StatusCode, body)
	}

	resp = doReq(t, fx.app, jsonReq(http.MethodGet, "/internal/secrets?repoId=42", ""))
	body = readBody(t, resp)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("list status = %d: %s", resp.StatusCode, body)
	}
	var data struct {
		Keys []string `json:"keys"`
	}
	parseData(t, body, &data)
	if len(data.Keys) != 2 {
		t.Fatalf("keys = %v, want 2", data.Keys)
	}
	for _, k := range data.Keys {
		if k != "API_KEY" && k != "DB_URL" {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestSetSecrets_ReservedKey(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := doReq(t, fx.app, jsonReq(http.MethodPut, "/internal/secrets",
		`{"repoId":42,"secrets":{"GITHUB_TOKEN":"v"}}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.ValidationError) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

func TestDeleteSecret(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := doReq(t, fx.app, jsonReq(http.MethodPut, "/internal/secrets",
		`{"repoId":42,"secrets":{"api_key":"v1"}}`))
	_ = readBody(t, resp)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("set status = %d", resp.StatusCode)
	}

	resp = doReq(t, fx.app, jsonReq(http.MethodDelete, "/internal/secrets/api_key?repoId=42", ""))
	_ = readBody(t, resp)
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("delete status = %d", resp.StatusCode)
	}

	resp = doReq(t, fx.app, jsonReq(http.MethodDelete, "/internal/secrets/api_key?repoId=42", ""))
	body := readBody(t, resp)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	if env := parseError(t, body); env.Error.Code != string(protocol.NotFound) {
		t.Errorf("error code = %q", env.Error.Code)
	}
}

// --- Health ---

func TestHealth_Degraded(t *testing.T) {
	t.Parallel()
	fx := newAPIFixture(t)

	resp := doReq(t, fx.app, jsonReq(http.MethodGet, "/internal/health", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusServiceUnavailable)
	}
	var data struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		Valkey   string `json:"valkey"`
	}
	parseData(t, body, &data)
	if data.Status != "degraded" || data.Postgres != "unavailable" || data.Valkey != "unavailable" {
		t.Errorf("health = %+v", data)
	}
}
