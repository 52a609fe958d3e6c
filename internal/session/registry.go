package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrSessionNotFound is returned when a session cannot be found by ID.
var ErrSessionNotFound = errors.New("session not found")

// Registry holds the open sessions.
type Registry interface {
	// Save registers a session, replacing any with the same ID.
	Save(ctx context.Context, o *Orchestrator) error

	// FindByID retrieves a session by its ID.
	// Returns ErrSessionNotFound if it does not exist.
	FindByID(ctx context.Context, id string) (*Orchestrator, error)

	// List returns all sessions ordered by ID.
	List(ctx context.Context) ([]*Orchestrator, error)

	// Delete unregisters a session.
	// Returns ErrSessionNotFound if it does not exist.
	Delete(ctx context.Context, id string) error
}

// Compile-time check that MemoryRegistry implements Registry.
var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is an in-memory Registry guarded by a RWMutex.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Orchestrator
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]*Orchestrator),
	}
}

// Save registers o under its ID.
func (r *MemoryRegistry) Save(_ context.Context, o *Orchestrator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[o.ID()] = o
	return nil
}

// FindByID retrieves a session by its ID.
func (r *MemoryRegistry) FindByID(_ context.Context, id string) (*Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return o, nil
}

// List returns all sessions ordered by ID.
func (r *MemoryRegistry) List(_ context.Context) ([]*Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Orchestrator, 0, len(r.sessions))
	for _, o := range r.sessions {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result, nil
}

// Delete unregisters a session.
func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}
