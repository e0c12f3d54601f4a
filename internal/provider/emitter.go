package provider

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hexwave/chatmux/pkg/events"
)

// TruncationMarker is appended whenever accumulated output exceeds the
// transport's cap. Content is never dropped silently.
const TruncationMarker = "\n...[output truncated]"

const DefaultOutputCap = 128 * 1024

// Emitter serializes one turn's canonical events onto a buffered channel.
// It enforces the schema invariants mechanically: the session id is fixed at
// construction, text is truncated at the cap with a visible marker, and
// nothing can be emitted after Close. Non-terminal emission never blocks the
// producing adapter; a consumer that stops draining loses deltas rather than
// wedging the turn. The terminal event is the exception: it is sent
// blocking, so a lagging consumer still observes exactly one terminal
// before the channel closes.
type Emitter struct {
	sessionID string
	provider  string
	events    chan events.Event

	mu        sync.Mutex
	closed    bool
	truncated bool
	emitted   int64
	outputCap int64
	accum     strings.Builder
}

func NewEmitter(sessionID, providerID string, bufferSize int, outputCap int64) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if outputCap <= 0 {
		outputCap = DefaultOutputCap
	}
	return &Emitter{
		sessionID: sessionID,
		provider:  providerID,
		events:    make(chan events.Event, bufferSize),
		outputCap: outputCap,
	}
}

func (e *Emitter) SessionID() string { return e.sessionID }

func (e *Emitter) Events() <-chan events.Event { return e.events }

func (e *Emitter) emit(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

// emitTerminal delivers the terminal event and closes the stream. The send
// blocks until the consumer has room: deltas may be shed under pressure but
// the terminal may not.
func (e *Emitter) emitTerminal(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.events <- ev
	e.closed = true
	close(e.events)
}

func (e *Emitter) Created(model string) {
	e.emit(events.NewSessionCreated(e.sessionID, e.provider, model))
}

// truncate cuts the delta at the remaining budget, backed off to a rune
// boundary so the fragment stays valid UTF-8, and appends the marker.
func truncate(delta string, remaining int64) string {
	cut := int(remaining)
	for cut > 0 && !utf8.RuneStart(delta[cut]) {
		cut--
	}
	return delta[:cut] + TruncationMarker
}

// Text emits a content delta, applying the truncation cap. It returns false
// once the cap has been reached; the adapter should stop forwarding output
// (the upstream turn keeps running so usage and completion still arrive).
func (e *Emitter) Text(delta string) bool {
	e.mu.Lock()
	if e.closed || e.truncated {
		e.mu.Unlock()
		return false
	}
	remaining := e.outputCap - e.emitted
	if int64(len(delta)) > remaining {
		delta = truncate(delta, remaining)
		e.truncated = true
	}
	e.emitted += int64(len(delta))
	e.accum.WriteString(delta)
	ev := events.NewTextDelta(e.sessionID, delta)
	select {
	case e.events <- ev:
	default:
	}
	e.mu.Unlock()
	return !e.truncated
}

// Thinking emits a reasoning delta. Thinking output counts against the same
// cap but is not part of the accumulated result.
func (e *Emitter) Thinking(delta string) bool {
	e.mu.Lock()
	if e.closed || e.truncated {
		e.mu.Unlock()
		return false
	}
	remaining := e.outputCap - e.emitted
	if int64(len(delta)) > remaining {
		delta = truncate(delta, remaining)
		e.truncated = true
	}
	e.emitted += int64(len(delta))
	ev := events.NewThinkingDelta(e.sessionID, delta)
	select {
	case e.events <- ev:
	default:
	}
	e.mu.Unlock()
	return !e.truncated
}

func (e *Emitter) Stop() {
	e.emit(events.NewContentStop(e.sessionID))
}

func (e *Emitter) Usage(inputUnits, outputUnits int64) {
	e.emit(events.NewUsage(e.sessionID, inputUnits, outputUnits))
}

func (e *Emitter) ApprovalRequest(requestID, toolName string, input map[string]any) {
	e.emit(events.NewApprovalRequest(e.sessionID, requestID, toolName, input))
}

// Result returns the accumulated output text, including the truncation
// marker when the cap was hit.
func (e *Emitter) Result() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accum.String()
}

// Complete emits the terminal success event and closes the stream.
func (e *Emitter) Complete(result string) {
	e.emitTerminal(events.NewTurnComplete(e.sessionID, e.provider, result))
}

// Error emits the terminal error event and closes the stream.
func (e *Emitter) Error(message string, category events.ErrorCategory) {
	e.emitTerminal(events.NewTurnError(e.sessionID, message, category))
}

// CloseQuiet closes the stream without a terminal event. Used on abort,
// where the dispatcher emits session_aborted itself: the adapter must not
// add a second terminal.
func (e *Emitter) CloseQuiet() {
	e.Close()
}

func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
