// Package events defines the canonical streaming event schema. Every
// provider adapter normalizes its backend's native wire format into these
// events, and they are the only shapes ever forwarded to a client.
package events

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeSessionCreated  Type = "session_created"
	TypeContentDelta    Type = "content_delta"
	TypeContentStop     Type = "content_stop"
	TypeUsage           Type = "usage"
	TypeTurnComplete    Type = "turn_complete"
	TypeTurnError       Type = "turn_error"
	TypeSessionAborted  Type = "session_aborted"
	TypeApprovalRequest Type = "approval_request"
)

// ErrorCategory distinguishes why a turn failed. Configuration errors are
// surfaced before any I/O begins; auth errors come from a token exchange;
// transport errors from the backend itself.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryAuth          ErrorCategory = "auth"
	CategoryTransport     ErrorCategory = "transport"
	CategoryInternal      ErrorCategory = "internal"
)

// Event is a tagged union: Type selects which Data struct is carried.
// Use the constructors; a hand-built Event with mismatched Type and Data
// will fail the accessor methods.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Provider  string    `json:"provider,omitempty"`
	Data      any       `json:"data,omitempty"`
}

type SessionCreatedData struct {
	Model string `json:"model"`
}

type ContentDeltaData struct {
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type UsageData struct {
	InputUnits  int64 `json:"input_units"`
	OutputUnits int64 `json:"output_units"`
	TotalUnits  int64 `json:"total_units"`
}

type TurnCompleteData struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type TurnErrorData struct {
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
}

type SessionAbortedData struct {
	Success bool `json:"success"`
}

type ApprovalRequestData struct {
	RequestID string         `json:"request_id"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input,omitempty"`
}

func NewSessionCreated(sessionID, provider, model string) Event {
	return Event{
		Type:      TypeSessionCreated,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Provider:  provider,
		Data:      SessionCreatedData{Model: model},
	}
}

func NewTextDelta(sessionID, text string) Event {
	return Event{
		Type:      TypeContentDelta,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      ContentDeltaData{Text: text},
	}
}

func NewThinkingDelta(sessionID, thinking string) Event {
	return Event{
		Type:      TypeContentDelta,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      ContentDeltaData{Thinking: thinking},
	}
}

func NewContentStop(sessionID string) Event {
	return Event{
		Type:      TypeContentStop,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}
}

func NewUsage(sessionID string, inputUnits, outputUnits int64) Event {
	return Event{
		Type:      TypeUsage,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data: UsageData{
			InputUnits:  inputUnits,
			OutputUnits: outputUnits,
			TotalUnits:  inputUnits + outputUnits,
		},
	}
}

func NewTurnComplete(sessionID, provider, result string) Event {
	return Event{
		Type:      TypeTurnComplete,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Provider:  provider,
		Data:      TurnCompleteData{Result: result},
	}
}

func NewTurnError(sessionID, message string, category ErrorCategory) Event {
	return Event{
		Type:      TypeTurnError,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data: TurnErrorData{
			Message:  message,
			Category: category,
		},
	}
}

func NewSessionAborted(sessionID, provider string, success bool) Event {
	return Event{
		Type:      TypeSessionAborted,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Provider:  provider,
		Data:      SessionAbortedData{Success: success},
	}
}

func NewApprovalRequest(sessionID, requestID, toolName string, input map[string]any) Event {
	return Event{
		Type:      TypeApprovalRequest,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data: ApprovalRequestData{
			RequestID: requestID,
			ToolName:  toolName,
			Input:     input,
		},
	}
}

// Terminal reports whether no further events may follow for this session id.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeTurnComplete, TypeTurnError, TypeSessionAborted:
		return true
	default:
		return false
	}
}

func (e Event) ContentDelta() (ContentDeltaData, bool) {
	d, ok := e.Data.(ContentDeltaData)
	return d, ok && e.Type == TypeContentDelta
}

func (e Event) Usage() (UsageData, bool) {
	d, ok := e.Data.(UsageData)
	return d, ok && e.Type == TypeUsage
}

func (e Event) TurnComplete() (TurnCompleteData, bool) {
	d, ok := e.Data.(TurnCompleteData)
	return d, ok && e.Type == TypeTurnComplete
}

func (e Event) TurnError() (TurnErrorData, bool) {
	d, ok := e.Data.(TurnErrorData)
	return d, ok && e.Type == TypeTurnError
}

func (e Event) ApprovalRequest() (ApprovalRequestData, bool) {
	d, ok := e.Data.(ApprovalRequestData)
	return d, ok && e.Type == TypeApprovalRequest
}

// UnmarshalJSON decodes the Data payload into the concrete struct selected
// by Type, so round-tripped events keep working with the accessors.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type      Type            `json:"type"`
		Timestamp time.Time       `json:"timestamp"`
		SessionID string          `json:"session_id"`
		Provider  string          `json:"provider"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.Timestamp = raw.Timestamp
	e.SessionID = raw.SessionID
	e.Provider = raw.Provider
	e.Data = nil
	if len(raw.Data) == 0 {
		return nil
	}

	decode := func(v any) error {
		return json.Unmarshal(raw.Data, v)
	}
	switch raw.Type {
	case TypeSessionCreated:
		var d SessionCreatedData
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeContentDelta:
		var d ContentDeltaData
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeUsage:
		var d UsageData
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeTurnComplete:
		var d TurnCompleteData
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeTurnError:
		var d TurnErrorData
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeSessionAborted:
		var d SessionAbortedData
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	case TypeApprovalRequest:
		var d ApprovalRequestData
		if err := decode(&d); err != nil {
			return err
		}
		e.Data = d
	}
	return nil
}
