// Package dispatch routes decoded client commands to provider adapters and
// forwards every canonical event to the owning user's connections. It is the
// only layer allowed to translate adapter failures into turn_error events;
// nothing unnormalized reaches the connection layer.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hexwave/chatmux/internal/approval"
	"github.com/hexwave/chatmux/internal/catalog"
	"github.com/hexwave/chatmux/internal/credential"
	"github.com/hexwave/chatmux/internal/provider"
	"github.com/hexwave/chatmux/pkg/events"
	"github.com/hexwave/chatmux/pkg/wire"
)

// DefaultMaxTurnsPerUser bounds concurrent streaming turns per user; excess
// start_turn commands fail closed instead of piling up unbounded.
const DefaultMaxTurnsPerUser = 8

// Sink receives the envelopes produced by dispatching; the fan-out hub is
// the production implementation.
type Sink interface {
	SendToUser(userID string, msg wire.ServerEnvelope)
}

type Config struct {
	Catalog         *catalog.Catalog
	Credentials     *credential.Resolver
	Adapters        map[string]provider.Adapter
	Approvals       *approval.Table
	Hub             Sink
	Logger          *slog.Logger
	MaxTurnsPerUser int
}

type Dispatcher struct {
	catalog   *catalog.Catalog
	creds     *credential.Resolver
	adapters  map[string]provider.Adapter
	approvals *approval.Table
	hub       Sink
	log       *slog.Logger
	maxTurns  int

	turnMu      sync.Mutex
	turnsByUser map[string]int
}

func New(cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	maxTurns := cfg.MaxTurnsPerUser
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurnsPerUser
	}
	return &Dispatcher{
		catalog:     cfg.Catalog,
		creds:       cfg.Credentials,
		adapters:    cfg.Adapters,
		approvals:   cfg.Approvals,
		hub:         cfg.Hub,
		log:         log,
		maxTurns:    maxTurns,
		turnsByUser: make(map[string]int),
	}
}

// Handle processes one inbound command. It never blocks on a streaming
// turn: start_turn hands the stream to a goroutine and returns, so the same
// connection can immediately issue further commands.
func (d *Dispatcher) Handle(ctx context.Context, userID string, msg wire.ClientEnvelope) {
	switch msg.Type {
	case wire.ClientMessageTypeStartTurn:
		d.startTurn(ctx, userID, msg)
	case wire.ClientMessageTypeAbortSession:
		d.abortSession(userID, msg)
	case wire.ClientMessageTypeSessionStatus:
		d.sessionStatus(userID, msg)
	case wire.ClientMessageTypeActiveSessions:
		d.activeSessions(userID)
	case wire.ClientMessageTypeApprovalResponse:
		d.approvalResponse(userID, msg)
	default:
		d.sendError(userID, fmt.Sprintf("unsupported message type: %s", msg.Type))
	}
}

func (d *Dispatcher) startTurn(ctx context.Context, userID string, msg wire.ClientEnvelope) {
	opts := provider.Options{}
	if msg.Options != nil {
		opts = provider.Options{
			ResumeSessionID: msg.Options.ResumeSessionID,
			Model:           msg.Options.Model,
			WorkingDir:      msg.Options.WorkingDir,
			SystemPrompt:    msg.Options.SystemPrompt,
			Temperature:     msg.Options.Temperature,
			MaxOutputUnits:  msg.Options.MaxOutputUnits,
			Extra:           msg.Options.Extra,
		}
	}

	// The rejection id lets a client correlate a turn that failed before
	// any session existed.
	rejectID := opts.ResumeSessionID
	if rejectID == "" {
		rejectID = uuid.NewString()
	}

	desc, ok := d.catalog.Descriptor(msg.Provider)
	if !ok {
		d.forward(userID, events.NewTurnError(rejectID, fmt.Sprintf("unknown provider: %q", msg.Provider), events.CategoryConfiguration))
		return
	}
	adapter, ok := d.adapters[desc.ID]
	if !ok {
		d.forward(userID, events.NewTurnError(rejectID, fmt.Sprintf("provider %q has no adapter", desc.ID), events.CategoryConfiguration))
		return
	}

	// Fail closed before any network or process I/O when the credential is
	// missing.
	secret, ok := d.creds.Resolve(userID, desc)
	if !ok {
		d.forward(userID, events.NewTurnError(rejectID, fmt.Sprintf("no credential configured for provider %q", desc.ID), events.CategoryConfiguration))
		return
	}

	if !d.acquireTurn(userID) {
		d.forward(userID, events.NewTurnError(rejectID, fmt.Sprintf("per-user concurrent turn limit (%d) reached", d.maxTurns), events.CategoryConfiguration))
		return
	}

	stream, err := d.safeStartTurn(ctx, adapter, provider.TurnRequest{
		Prompt:  msg.Prompt,
		UserID:  userID,
		Secret:  secret,
		Options: opts,
	})
	if err != nil {
		d.releaseTurn(userID)
		d.forward(userID, events.NewTurnError(rejectID, err.Error(), events.CategoryConfiguration))
		return
	}

	go func() {
		defer d.releaseTurn(userID)
		for ev := range stream {
			d.forward(userID, ev)
		}
	}()
}

// safeStartTurn guards the adapter boundary: a panicking adapter becomes an
// error instead of taking down the connection handler.
func (d *Dispatcher) safeStartTurn(ctx context.Context, adapter provider.Adapter, req provider.TurnRequest) (stream <-chan events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("adapter panic", "provider", adapter.ID(), "panic", r)
			err = fmt.Errorf("provider %s failed: %v", adapter.ID(), r)
		}
	}()
	return adapter.StartTurn(ctx, req)
}

func (d *Dispatcher) abortSession(userID string, msg wire.ClientEnvelope) {
	adapter, ok := d.adapters[msg.Provider]
	if !ok {
		d.forward(userID, events.NewSessionAborted(msg.SessionID, msg.Provider, false))
		return
	}
	success := adapter.Abort(msg.SessionID)
	if success {
		d.log.Info("session aborted", "provider", msg.Provider, "session_id", msg.SessionID)
	}
	d.forward(userID, events.NewSessionAborted(msg.SessionID, msg.Provider, success))
}

func (d *Dispatcher) sessionStatus(userID string, msg wire.ClientEnvelope) {
	active := false
	if adapter, ok := d.adapters[msg.Provider]; ok {
		active = adapter.IsActive(msg.SessionID)
	}
	d.hub.SendToUser(userID, wire.ServerEnvelope{
		Type: wire.ServerMessageTypeSessionStatus,
		Status: &wire.SessionStatus{
			Provider:  msg.Provider,
			SessionID: msg.SessionID,
			Active:    active,
		},
	})
}

func (d *Dispatcher) activeSessions(userID string) {
	groups := make([]wire.ProviderGroup, 0, len(d.adapters))
	for _, id := range d.catalog.IDs() {
		adapter, ok := d.adapters[id]
		if !ok {
			continue
		}
		groups = append(groups, wire.ProviderGroup{
			Provider: id,
			Sessions: adapter.ActiveSessions(),
		})
	}
	d.hub.SendToUser(userID, wire.ServerEnvelope{
		Type:   wire.ServerMessageTypeActiveSessions,
		Active: groups,
	})
}

func (d *Dispatcher) approvalResponse(userID string, msg wire.ClientEnvelope) {
	var updated map[string]any
	if len(msg.UpdatedInput) > 0 {
		if err := json.Unmarshal(msg.UpdatedInput, &updated); err != nil {
			d.sendError(userID, "invalid updated_input")
			return
		}
	}
	// Unknown request ids are benign: the waiting side may have timed out.
	if !d.approvals.Resolve(msg.RequestID, approval.Decision{Allow: msg.Allow, UpdatedInput: updated}) {
		d.log.Debug("approval response for unknown request", "request_id", msg.RequestID)
	}
}

func (d *Dispatcher) forward(userID string, ev events.Event) {
	d.hub.SendToUser(userID, wire.ServerEnvelope{
		Type:  wire.ServerMessageTypeEvent,
		Event: &ev,
	})
}

func (d *Dispatcher) sendError(userID, message string) {
	d.hub.SendToUser(userID, wire.ServerEnvelope{
		Type:    wire.ServerMessageTypeError,
		Message: message,
	})
}

func (d *Dispatcher) acquireTurn(userID string) bool {
	d.turnMu.Lock()
	defer d.turnMu.Unlock()
	if d.turnsByUser[userID] >= d.maxTurns {
		return false
	}
	d.turnsByUser[userID]++
	return true
}

func (d *Dispatcher) releaseTurn(userID string) {
	d.turnMu.Lock()
	defer d.turnMu.Unlock()
	if d.turnsByUser[userID] <= 1 {
		delete(d.turnsByUser, userID)
	} else {
		d.turnsByUser[userID]--
	}
}

// Adapter exposes a provider's adapter for collaborators outside the
// realtime path (the one-shot flow).
func (d *Dispatcher) Adapter(providerID string) (provider.Adapter, bool) {
	a, ok := d.adapters[providerID]
	return a, ok
}
