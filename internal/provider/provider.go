// Package provider defines the contract every backend adapter implements
// and the shared plumbing (session table, event emitter, truncation policy)
// the four transports have in common.
package provider

import (
	"context"
	"errors"

	"github.com/hexwave/chatmux/internal/registry"
	"github.com/hexwave/chatmux/pkg/events"
)

var (
	ErrResumeUnsupported = errors.New("provider does not support resuming sessions")
	ErrResumeUnknown     = errors.New("unknown resume session id")
)

// Options carries per-turn tuning. Zero values mean provider defaults.
type Options struct {
	ResumeSessionID string
	Model           string
	WorkingDir      string
	SystemPrompt    string
	Temperature     *float64
	MaxOutputUnits  int64
	Extra           map[string]any
}

// TurnRequest is one prompt plus everything the adapter needs to run it.
// Secret is the credential resolved by the dispatcher; adapters whose
// backend manages its own auth ignore it.
type TurnRequest struct {
	Prompt  string
	UserID  string
	Secret  string
	Options Options
}

// Adapter is the shared contract over all four transports.
//
// StartTurn returns the canonical event channel for the turn. The first
// event on it is always session_created; the adapter closes the channel
// after the terminal event. A synchronous error return means nothing was
// started and no events will be emitted.
type Adapter interface {
	ID() string
	StartTurn(ctx context.Context, req TurnRequest) (<-chan events.Event, error)

	// Abort cancels a live turn. It is idempotent: false means the session
	// is not currently tracked (completed, aborted, or never existed).
	Abort(sessionID string) bool

	// IsActive is a pure registry lookup, no I/O.
	IsActive(sessionID string) bool

	ActiveSessions() []string
}

// Sessions is the per-adapter session table. Each adapter embeds its own
// instance; tables are never shared across adapters.
type Sessions struct {
	providerID string
	reg        *registry.Registry
}

func NewSessions(providerID string) *Sessions {
	return &Sessions{providerID: providerID, reg: registry.New()}
}

// Track registers a fresh turn. Duplicate ids are rejected and the original
// cancellation handle stays in charge.
func (s *Sessions) Track(sessionID, userID string, cancel context.CancelFunc) error {
	return s.reg.Add(&registry.Handle{
		SessionID:   sessionID,
		OwnerUserID: userID,
		Cancel:      cancel,
	})
}

// Finish removes the turn after natural completion or terminal error. The
// returned bool is the arbiter of the abort race: whoever removes the
// session owns the terminal event. False means Abort already won and the
// completion path must close quietly instead of emitting a terminal.
func (s *Sessions) Finish(sessionID string) bool {
	_, ok := s.reg.Remove(sessionID)
	return ok
}

func (s *Sessions) Abort(sessionID string) bool {
	h, ok := s.reg.Remove(sessionID)
	if !ok {
		return false
	}
	if h.Cancel != nil {
		h.Cancel()
	}
	return true
}

func (s *Sessions) IsActive(sessionID string) bool {
	_, ok := s.reg.Lookup(sessionID)
	return ok
}

func (s *Sessions) ActiveSessions() []string {
	return s.reg.List()
}

func (s *Sessions) Touch(sessionID string) {
	s.reg.Touch(sessionID)
}
