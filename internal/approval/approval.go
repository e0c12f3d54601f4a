// Package approval is the rendezvous point between an adapter suspended on a
// proposed tool call and the external decision that resolves it. Each request
// gets its own id; one session may raise several requests over its lifetime.
package approval

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrUnknownRequest = errors.New("unknown approval request")

// Decision is the outcome of one approval request.
type Decision struct {
	Allow        bool
	UpdatedInput map[string]any
}

type pending struct {
	sessionID string
	ch        chan Decision
}

// Table holds pending approval requests. The producer side blocks in Await;
// the consumer side resolves exactly once by request id.
type Table struct {
	mu      sync.Mutex
	pending map[string]*pending
}

func NewTable() *Table {
	return &Table{pending: make(map[string]*pending)}
}

// Create registers a new pending request for the session and returns its id.
func (t *Table) Create(sessionID string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.pending[id] = &pending{
		sessionID: sessionID,
		ch:        make(chan Decision, 1),
	}
	t.mu.Unlock()
	return id
}

// Await blocks until the request is resolved or the context ends. The
// request is removed either way; a context cancellation counts as denial.
func (t *Table) Await(ctx context.Context, requestID string) (Decision, error) {
	t.mu.Lock()
	p, ok := t.pending[requestID]
	t.mu.Unlock()
	if !ok {
		return Decision{}, ErrUnknownRequest
	}

	defer t.drop(requestID)
	select {
	case d := <-p.ch:
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers the decision for a pending request. An unknown or
// already-resolved id is a no-op returning false: the waiting side may have
// timed out and moved on, which is not an error.
func (t *Table) Resolve(requestID string, d Decision) bool {
	t.mu.Lock()
	p, ok := t.pending[requestID]
	if ok {
		delete(t.pending, requestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- d
	return true
}

// DropSession discards all pending requests raised by the session, releasing
// their waiters with a denial. Used when a turn is aborted mid-approval.
func (t *Table) DropSession(sessionID string) {
	t.mu.Lock()
	var released []*pending
	for id, p := range t.pending {
		if p.sessionID == sessionID {
			delete(t.pending, id)
			released = append(released, p)
		}
	}
	t.mu.Unlock()
	for _, p := range released {
		p.ch <- Decision{Allow: false}
	}
}

func (t *Table) drop(requestID string) {
	t.mu.Lock()
	delete(t.pending, requestID)
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
