// Package coordinator hosts the per-session actor that owns the prompt queue,
// the sandbox lifecycle, and the fan-out of state transitions to clients. One
// Coordinator exists per live session; a registry hands out instances keyed by
// session id.
package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/particlhq/background-agents/internal/artifact"
	"github.com/particlhq/background-agents/internal/callback"
	"github.com/particlhq/background-agents/internal/config"
	"github.com/particlhq/background-agents/internal/event"
	"github.com/particlhq/background-agents/internal/gateway"
	"github.com/particlhq/background-agents/internal/githost"
	"github.com/particlhq/background-agents/internal/identity"
	"github.com/particlhq/background-agents/internal/message"
	"github.com/particlhq/background-agents/internal/participant"
	"github.com/particlhq/background-agents/internal/sandbox"
	"github.com/particlhq/background-agents/internal/secrets"
	"github.com/particlhq/background-agents/internal/session"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrNoProcessingMessage = errors.New("no message is currently processing")
	ErrReauthRequired      = errors.New("host token missing or expired, re-authentication required")
	ErrPushTimeout         = errors.New("timed out waiting for sandbox push")
)

// Deps bundles the shared collaborators a coordinator needs. Everything here
// is process-wide; per-session state lives on the Coordinator itself.
type Deps struct {
	Cfg          *config.Config
	Sessions     session.Repository
	Participants participant.Repository
	Messages     message.Repository
	Events       event.Repository
	Artifacts    artifact.Repository
	Sandboxes    sandbox.Repository
	Secrets      *secrets.Service
	Provider     sandbox.Provider
	GitHost      *githost.Client
	Identity     *identity.AppAuth
	Notifier     *callback.Notifier
	Log          zerolog.Logger
}

type pushWaiter struct {
	ch    chan error
	timer *time.Timer
}

// Coordinator is the per-session actor. The mutex serializes decision points
// so each one observes the state left by the previous callback; provider and
// code-host HTTP calls run outside the lock, and status writes that straddle
// them use guarded transitions so terminal statuses stay sticky. In-memory
// fields (isSpawning, alarm, pendingPush) are caches of durable state and
// default to cold values after a restart.
type Coordinator struct {
	sessionID uuid.UUID
	deps      Deps
	hub       *gateway.Hub
	log       zerolog.Logger

	mu          sync.Mutex
	isSpawning  bool
	alarm       *time.Timer
	pendingPush map[string]*pushWaiter
}

// New creates a coordinator bound to one session and attaches it as the hub's
// handler.
func New(sessionID uuid.UUID, hub *gateway.Hub, deps Deps) *Coordinator {
	c := &Coordinator{
		sessionID:   sessionID,
		deps:        deps,
		hub:         hub,
		log:         deps.Log.With().Str("session_id", sessionID.String()).Logger(),
		pendingPush: make(map[string]*pushWaiter),
	}
	hub.SetHandler(c)
	return c
}

// Hub exposes the session's connection hub for the transport layer.
func (c *Coordinator) Hub() *gateway.Hub {
	return c.hub
}

// SessionID returns the session this coordinator owns.
func (c *Coordinator) SessionID() uuid.UUID {
	return c.sessionID
}

// Close stops the alarm and releases pending pushes. Called when the registry
// evicts the coordinator.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.alarm != nil {
		c.alarm.Stop()
		c.alarm = nil
	}
	waiters := c.pendingPush
	c.pendingPush = make(map[string]*pushWaiter)
	c.mu.Unlock()

	for _, w := range waiters {
		w.timer.Stop()
		w.ch <- ErrPushTimeout
	}
}

// spawningGuard marks a spawn in flight, returning false if one already is.
func (c *Coordinator) spawningGuard() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isSpawning {
		return false
	}
	c.isSpawning = true
	return true
}

func (c *Coordinator) clearSpawning() {
	c.mu.Lock()
	c.isSpawning = false
	c.mu.Unlock()
}

func (c *Coordinator) inMemorySpawning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSpawning
}
