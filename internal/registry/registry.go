// Package registry tracks live sessions. Each adapter owns its own Registry
// instance so a bookkeeping bug in one transport cannot corrupt another's.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrSessionExists = errors.New("session already active")

// Handle is the live state for one in-flight turn. The cancel function is
// exclusively owned by the adapter that registered it.
type Handle struct {
	SessionID    string
	OwnerUserID  string
	Cancel       context.CancelFunc
	CreatedAt    time.Time
	LastActiveAt time.Time
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Handle
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*Handle)}
}

// Add registers a handle. Registering an id that is already present is
// rejected and the original handle keeps governing cancellation.
func (r *Registry) Add(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[h.SessionID]; ok {
		return ErrSessionExists
	}
	now := time.Now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.LastActiveAt = now
	r.sessions[h.SessionID] = h
	return nil
}

// Remove deletes the entry and returns its handle. Removing an unknown id is
// a no-op, which makes the abort-vs-natural-completion race harmless: the
// losing path's removal simply returns false.
func (r *Registry) Remove(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	return h, ok
}

func (r *Registry) Lookup(sessionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[sessionID]
	return h, ok
}

// Touch refreshes LastActiveAt for a live session.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.sessions[sessionID]; ok {
		h.LastActiveAt = time.Now()
	}
}

// List returns the active session ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
