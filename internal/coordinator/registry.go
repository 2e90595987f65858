package coordinator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/particlhq/background-agents/internal/gateway"
	"github.com/particlhq/background-agents/internal/presence"
	"github.com/particlhq/background-agents/internal/session"
)

// Registry hands out per-session coordinators. Coordinators are created
// lazily on first touch and survive for the process lifetime; their in-memory
// state is a cache over Postgres, so an eviction or restart costs only warmth.
type Registry struct {
	deps     Deps
	mappings gateway.MappingRepository
	presence *presence.Store

	mu           sync.Mutex
	coordinators map[uuid.UUID]*Coordinator
}

// NewRegistry creates a coordinator registry.
func NewRegistry(deps Deps, mappings gateway.MappingRepository, presenceStore *presence.Store) *Registry {
	return &Registry{
		deps:         deps,
		mappings:     mappings,
		presence:     presenceStore,
		coordinators: make(map[uuid.UUID]*Coordinator),
	}
}

// Get returns the coordinator for a session id, creating it on first touch.
func (r *Registry) Get(sessionID uuid.UUID) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.coordinators[sessionID]; ok {
		return c
	}

	hub := gateway.NewHub(sessionID, r.deps.Cfg, r.deps.Sessions, r.deps.Sandboxes,
		r.deps.Participants, r.deps.Messages, r.deps.Events, r.mappings, r.presence, r.deps.Log)
	c := New(sessionID, hub, r.deps)
	r.coordinators[sessionID] = c

	// A coordinator can materialize mid-life of its sandbox; the watchdog
	// must not wait for the next reconnect or completion to get armed.
	go c.resumeWatchdog()
	return c
}

// GetByName resolves a session by its external routing name and returns its
// coordinator together with the session row.
func (r *Registry) GetByName(ctx context.Context, sessionName string) (*Coordinator, *session.Session, error) {
	sess, err := r.deps.Sessions.GetByName(ctx, sessionName)
	if err != nil {
		return nil, nil, err
	}
	return r.Get(sess.ID), sess, nil
}

// Evict removes a coordinator from the registry and releases its timers.
func (r *Registry) Evict(sessionID uuid.UUID) {
	r.mu.Lock()
	c, ok := r.coordinators[sessionID]
	if ok {
		delete(r.coordinators, sessionID)
	}
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}
