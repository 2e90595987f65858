package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/config"
	"github.com/particlhq/background-agents/internal/crypto"
	"github.com/particlhq/background-agents/internal/event"
	"github.com/particlhq/background-agents/internal/message"
	"github.com/particlhq/background-agents/internal/participant"
	"github.com/particlhq/background-agents/internal/presence"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/sandbox"
	"github.com/particlhq/background-agents/internal/session"
)

// SessionSource and SandboxSource provide the state summary carried on the
// subscribed ack, so clients start current without an extra state fetch.
type SessionSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*session.Session, error)
}

type SandboxSource interface {
	GetBySession(ctx context.Context, sessionID uuid.UUID) (*sandbox.Sandbox, error)
}

// Handler receives messages and socket lifecycle transitions from the hub.
// The per-session coordinator implements it.
type Handler interface {
	OnPrompt(ctx context.Context, p *participant.Participant, msg protocol.ClientMessage)
	OnStop(ctx context.Context, p *participant.Participant)
	OnTyping(ctx context.Context, p *participant.Participant)
	OnSandboxConnected(ctx context.Context)
	OnSandboxDisconnected(ctx context.Context)
	OnSandboxEvent(ctx context.Context, ev *protocol.SandboxEvent)
}

// Hub owns every WebSocket attached to one session: the fan-out set of client
// sockets plus at most one sandbox socket. The in-memory client map is a cache
// over the ws_client_mapping table, so a process restart downgrades clients to
// "needs re-subscribe" instead of silently dropping them.
type Hub struct {
	sessionID uuid.UUID
	cfg       *config.Config
	log       zerolog.Logger

	sessions     SessionSource
	sandboxes    SandboxSource
	participants participant.Repository
	messages     message.Repository
	events       event.Repository
	mappings     MappingRepository
	presence     *presence.Store

	mu      sync.RWMutex
	clients map[string]*Client

	sandboxMu   sync.Mutex
	sandboxConn Conn

	handlerMu sync.RWMutex
	handler   Handler
}

// NewHub creates a hub for one session. The handler is attached separately to
// break the construction cycle with the coordinator.
func NewHub(
	sessionID uuid.UUID,
	cfg *config.Config,
	sessions SessionSource,
	sandboxes SandboxSource,
	participants participant.Repository,
	messages message.Repository,
	events event.Repository,
	mappings MappingRepository,
	presenceStore *presence.Store,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		sessionID:    sessionID,
		cfg:          cfg,
		log:          logger.With().Str("session_id", sessionID.String()).Logger(),
		sessions:     sessions,
		sandboxes:    sandboxes,
		participants: participants,
		messages:     messages,
		events:       events,
		mappings:     mappings,
		presence:     presenceStore,
		clients:      make(map[string]*Client),
	}
}

// SetHandler attaches the message handler. Must be called before any socket is
// served.
func (h *Hub) SetHandler(handler Handler) {
	h.handlerMu.Lock()
	h.handler = handler
	h.handlerMu.Unlock()
}

func (h *Hub) getHandler() Handler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// ServeClient runs the read loop for one client connection. It blocks until
// the connection closes.
func (h *Hub) ServeClient(conn Conn) {
	c := newClient(h, conn, uuid.NewString(), h.log)

	h.mu.Lock()
	h.clients[c.socketID] = c
	h.mu.Unlock()

	go c.writePump()
	c.readPump()
}

// unregisterClient removes a client from the hub and tears down its durable
// mapping and presence state.
func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c.socketID]
	delete(h.clients, c.socketID)
	h.mu.Unlock()
	if !present {
		return
	}
	c.closeSend()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.mappings.Delete(ctx, c.socketID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to delete ws client mapping")
	}

	if p := c.Participant(); p != nil {
		if err := h.presence.Delete(ctx, h.sessionID, p.ID); err != nil {
			h.log.Warn().Err(err).Msg("Failed to delete presence")
		}
		h.Broadcast(protocol.ServerPresenceUpdate, presence.State{
			ParticipantID: p.ID.String(),
			ClientID:      c.ClientID(),
			Status:        presence.StatusOffline,
		})
	}
}

// handleSubscribe validates the client's token and, on success, replays
// session history and presence to the new subscriber.
func (h *Hub) handleSubscribe(c *Client, msg protocol.ClientMessage) {
	if c.IsSubscribed() {
		return
	}
	if msg.Token == "" {
		c.closeWithCode(CloseInvalidToken, ReasonAuthRequired)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := h.participants.GetByTokenHash(ctx, h.sessionID, crypto.HashToken(msg.Token))
	if err != nil {
		if errors.Is(err, participant.ErrNotFound) {
			c.log.Debug().Msg("Subscribe rejected: unknown token")
			c.closeWithCode(CloseInvalidToken, ReasonInvalidToken)
			return
		}
		h.log.Error().Err(err).Msg("Failed to look up participant by token")
		c.sendError(protocol.InternalError, "subscription failed")
		return
	}

	c.setSubscribed(p, msg.ClientID)

	if err := h.mappings.Put(ctx, Mapping{
		SocketID:      c.socketID,
		SessionID:     h.sessionID,
		ParticipantID: p.ID,
		ClientID:      msg.ClientID,
	}); err != nil {
		h.log.Error().Err(err).Msg("Failed to persist ws client mapping")
	}

	if frame, err := protocol.Marshal(protocol.ServerSubscribed, map[string]any{
		"sessionId":     h.sessionID.String(),
		"participantId": p.ID.String(),
		"state":         h.stateSummary(ctx),
		"participant": subscribedParticipant{
			ID:          p.ID.String(),
			UserID:      p.UserID,
			GithubLogin: p.GithubLogin,
			GithubName:  p.GithubName,
			Role:        string(p.Role),
		},
	}); err == nil {
		c.enqueue(frame)
	}

	h.sendHistory(ctx, c)
	h.syncPresence(ctx, c)

	if err := h.presence.Set(ctx, h.sessionID, p.ID, presence.State{
		ClientID: msg.ClientID,
		Status:   presence.StatusOnline,
	}); err != nil {
		h.log.Warn().Err(err).Msg("Failed to set presence")
	}
	h.Broadcast(protocol.ServerPresenceUpdate, presence.State{
		ParticipantID: p.ID.String(),
		ClientID:      msg.ClientID,
		Status:        presence.StatusOnline,
	})

	c.log.Info().Str("participant_id", p.ID.String()).Msg("Client subscribed")
}

// subscribedParticipant is the participant echo on the subscribed ack.
type subscribedParticipant struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	GithubLogin string `json:"githubLogin"`
	GithubName  string `json:"githubName"`
	Role        string `json:"role"`
}

// stateSummary builds the session and sandbox summary sent with the
// subscribed ack. Load failures degrade to a partial summary.
func (h *Hub) stateSummary(ctx context.Context) map[string]any {
	state := make(map[string]any)

	sess, err := h.sessions.GetByID(ctx, h.sessionID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load session for subscribe ack")
	} else {
		state["session"] = map[string]any{
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
		}
	}

	sb, err := h.sandboxes.GetBySession(ctx, h.sessionID)
	if err != nil {
		if !errors.Is(err, sandbox.ErrNotFound) {
			h.log.Error().Err(err).Msg("Failed to load sandbox record for subscribe ack")
		}
		return state
	}
	state["sandbox"] = map[string]any{
		"status":          string(sb.Status),
		"externalId":      sb.ExternalID,
		"snapshotImageId": sb.SnapshotImageID,
		"gitSyncStatus":   sb.GitSyncStatus,
		"lastHeartbeatAt": sb.LastHeartbeatAt,
		"lastActivityAt":  sb.LastActivityAt,
	}
	return state
}

// handleClientMessage routes a post-handshake message. A client the in-memory
// map does not remember may still hold a durable mapping (the process
// restarted underneath it); in that case the subscription is restored from the
// table instead of forcing a reconnect.
func (h *Hub) handleClientMessage(c *Client, msg protocol.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !c.IsSubscribed() {
		if !h.recoverSubscription(ctx, c) {
			return
		}
	}
	p := c.Participant()

	handler := h.getHandler()
	if handler == nil {
		c.sendError(protocol.ServiceUnavailable, "session is not ready")
		return
	}

	switch msg.Type {
	case protocol.ClientPrompt:
		if msg.Content == "" {
			c.sendError(protocol.InvalidMessage, "prompt content is required")
			return
		}
		handler.OnPrompt(ctx, p, msg)
	case protocol.ClientStop:
		handler.OnStop(ctx, p)
	case protocol.ClientTyping:
		if err := h.presence.Refresh(ctx, h.sessionID, p.ID); err != nil {
			h.log.Debug().Err(err).Msg("Failed to refresh presence")
		}
		handler.OnTyping(ctx, p)
	case protocol.ClientPresence:
		h.handlePresence(ctx, c, p, msg)
	}
}

// recoverSubscription restores a subscription from the durable mapping table.
// It returns false after closing the connection when no mapping exists.
func (h *Hub) recoverSubscription(ctx context.Context, c *Client) bool {
	m, err := h.mappings.Get(ctx, c.socketID)
	if err != nil {
		if !errors.Is(err, ErrMappingNotFound) {
			h.log.Error().Err(err).Msg("Failed to look up ws client mapping")
		}
		c.closeWithCode(CloseExpired, ReasonExpired)
		return false
	}
	p, err := h.participants.GetByID(ctx, m.ParticipantID)
	if err != nil {
		c.closeWithCode(CloseExpired, ReasonExpired)
		return false
	}
	c.setSubscribed(p, m.ClientID)
	return true
}

func (h *Hub) handlePresence(ctx context.Context, c *Client, p *participant.Participant, msg protocol.ClientMessage) {
	status := msg.Status
	if status != presence.StatusOnline && status != presence.StatusIdle {
		status = presence.StatusOnline
	}
	state := presence.State{
		ClientID: c.ClientID(),
		Status:   status,
		Cursor:   msg.Cursor,
	}
	if err := h.presence.Set(ctx, h.sessionID, p.ID, state); err != nil {
		h.log.Warn().Err(err).Msg("Failed to set presence")
	}
	state.ParticipantID = p.ID.String()
	h.Broadcast(protocol.ServerPresenceUpdate, state)
}

// messageView is the client-facing shape of a queued prompt.
type messageView struct {
	ID           string          `json:"id"`
	AuthorID     string          `json:"authorId"`
	Content      string          `json:"content"`
	Source       message.Source  `json:"source"`
	Model        *string         `json:"model,omitempty"`
	Attachments  json.RawMessage `json:"attachments,omitempty"`
	Status       message.Status  `json:"status"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
}

func toMessageView(m message.Message) messageView {
	return messageView{
		ID:           m.ID.String(),
		AuthorID:     m.AuthorID.String(),
		Content:      m.Content,
		Source:       m.Source,
		Model:        m.Model,
		Attachments:  m.Attachments,
		Status:       m.Status,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		CompletedAt:  m.CompletedAt,
	}
}

// historyEntry interleaves prompts and sandbox events on one timeline.
type historyEntry struct {
	Kind      string          `json:"kind"` // "message" or "event"
	Timestamp time.Time       `json:"timestamp"`
	Message   *messageView    `json:"message,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	EventData json.RawMessage `json:"eventData,omitempty"`
	MessageID *string         `json:"messageId,omitempty"`
}

// sendHistory replays recent prompts and events, merged chronologically, to a
// freshly subscribed client.
func (h *Hub) sendHistory(ctx context.Context, c *Client) {
	msgs, err := h.messages.ListRecent(ctx, h.sessionID, h.cfg.HistoryMessageLimit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load message history")
	}
	evs, err := h.events.ListRecent(ctx, h.sessionID, h.cfg.HistoryEventLimit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load event history")
	}

	entries := make([]historyEntry, 0, len(msgs)+len(evs))
	for i := range msgs {
		v := toMessageView(msgs[i])
		entries = append(entries, historyEntry{
			Kind:      "message",
			Timestamp: msgs[i].CreatedAt,
			Message:   &v,
		})
	}
	for i := range evs {
		e := evs[i]
		entry := historyEntry{
			Kind:      "event",
			Timestamp: e.CreatedAt,
			EventType: string(e.Type),
			EventData: e.Data,
		}
		if e.MessageID != nil {
			id := e.MessageID.String()
			entry.MessageID = &id
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	frame, err := protocol.Marshal(protocol.ServerMessageHistory, map[string]any{
		"entries": entries,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal history")
		return
	}
	c.enqueue(frame)
}

// syncPresence sends the current presence of every session participant to one
// client.
func (h *Hub) syncPresence(ctx context.Context, c *Client) {
	parts, err := h.participants.List(ctx, h.sessionID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list participants for presence sync")
		return
	}
	ids := make([]uuid.UUID, len(parts))
	for i := range parts {
		ids[i] = parts[i].ID
	}
	states, err := h.presence.GetMany(ctx, h.sessionID, ids)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load presence states")
		return
	}
	frame, err := protocol.Marshal(protocol.ServerPresenceSync, map[string]any{
		"participants": states,
	})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// Broadcast fans a server message out to every subscribed client. Marshalling
// happens once; a client with a full buffer is disconnected rather than
// blocking the rest.
func (h *Hub) Broadcast(t protocol.ServerMessageType, payload any) {
	frame, err := protocol.Marshal(t, payload)
	if err != nil {
		h.log.Error().Err(err).Str("message_type", string(t)).Msg("Failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.IsSubscribed() {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// ConnectedClients returns the number of subscribed client sockets.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.IsSubscribed() {
			n++
		}
	}
	return n
}

// CloseClients closes every client socket with the given code and reason,
// used when the session shuts down.
func (h *Hub) CloseClients(code int, reason string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.closeWithCode(code, reason)
	}
}

// ServeSandbox runs the read loop for the sandbox connection. At most one
// sandbox socket exists per session; a newer connection displaces the previous
// one with a normal close so a redeployed sandbox wins cleanly.
func (h *Hub) ServeSandbox(conn Conn) {
	h.sandboxMu.Lock()
	if prev := h.sandboxConn; prev != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, ReasonSandboxDisplaced)
		_ = prev.WriteControl(CloseMessage, msg, time.Now().Add(writeWait))
		_ = prev.Close()
	}
	h.sandboxConn = conn
	h.sandboxMu.Unlock()

	conn.SetReadLimit(maxMessageSize)

	ctx := context.Background()
	if handler := h.getHandler(); handler != nil {
		handler.OnSandboxConnected(ctx)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		ev, err := protocol.ParseSandboxEvent(raw)
		if err != nil {
			h.log.Warn().Err(err).Msg("Dropping malformed sandbox event")
			continue
		}
		if handler := h.getHandler(); handler != nil {
			handler.OnSandboxEvent(ctx, ev)
		}
	}

	h.sandboxMu.Lock()
	current := h.sandboxConn == conn
	if current {
		h.sandboxConn = nil
	}
	h.sandboxMu.Unlock()
	_ = conn.Close()

	// A displaced socket must not report a disconnect for its replacement.
	if current {
		if handler := h.getHandler(); handler != nil {
			handler.OnSandboxDisconnected(context.Background())
		}
	}
}

// HasSandboxSocket reports whether a sandbox WebSocket is currently attached.
func (h *Hub) HasSandboxSocket() bool {
	h.sandboxMu.Lock()
	defer h.sandboxMu.Unlock()
	return h.sandboxConn != nil
}

// SendToSandbox delivers one command to the sandbox socket.
func (h *Hub) SendToSandbox(cmd protocol.SandboxCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	h.sandboxMu.Lock()
	defer h.sandboxMu.Unlock()
	if h.sandboxConn == nil {
		return ErrNoSandbox
	}
	_ = h.sandboxConn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.sandboxConn.WriteMessage(TextMessage, data)
}

// CloseSandbox closes the sandbox socket with the given close code and reason.
func (h *Hub) CloseSandbox(code int, reason string) {
	h.sandboxMu.Lock()
	conn := h.sandboxConn
	h.sandboxConn = nil
	h.sandboxMu.Unlock()
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
