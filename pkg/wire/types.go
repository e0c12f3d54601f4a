// Package wire defines the WebSocket envelopes exchanged with clients.
package wire

import (
	"encoding/json"

	"github.com/hexwave/chatmux/pkg/events"
)

type ClientMessageType string

const (
	ClientMessageTypeStartTurn        ClientMessageType = "start_turn"
	ClientMessageTypeAbortSession     ClientMessageType = "abort_session"
	ClientMessageTypeSessionStatus    ClientMessageType = "check_session_status"
	ClientMessageTypeActiveSessions   ClientMessageType = "get_active_sessions"
	ClientMessageTypeApprovalResponse ClientMessageType = "tool_approval_response"
	ClientMessageTypePing             ClientMessageType = "ping"
)

type ServerMessageType string

const (
	ServerMessageTypeEvent          ServerMessageType = "event"
	ServerMessageTypeSessionStatus  ServerMessageType = "session_status"
	ServerMessageTypeActiveSessions ServerMessageType = "active_sessions"
	ServerMessageTypeError          ServerMessageType = "error"
	ServerMessageTypePong           ServerMessageType = "pong"
)

// ClientEnvelope is the single inbound message shape; Type selects which
// fields are meaningful.
type ClientEnvelope struct {
	Type      ClientMessageType `json:"type"`
	Provider  string            `json:"provider,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Prompt    string            `json:"prompt,omitempty"`
	Options   *TurnOptions      `json:"options,omitempty"`

	// tool_approval_response fields
	RequestID    string          `json:"request_id,omitempty"`
	Allow        bool            `json:"allow,omitempty"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
}

type TurnOptions struct {
	ResumeSessionID string         `json:"resume_session_id,omitempty"`
	Model           string         `json:"model,omitempty"`
	WorkingDir      string         `json:"working_dir,omitempty"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	MaxOutputUnits  int64          `json:"max_output_units,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

type ServerEnvelope struct {
	Type    ServerMessageType `json:"type"`
	Event   *events.Event     `json:"event,omitempty"`
	Status  *SessionStatus    `json:"status,omitempty"`
	Active  []ProviderGroup   `json:"active,omitempty"`
	Message string            `json:"message,omitempty"`
}

type SessionStatus struct {
	Provider  string `json:"provider"`
	SessionID string `json:"session_id"`
	Active    bool   `json:"active"`
}

// ProviderGroup is one provider's slice of the active-sessions snapshot.
type ProviderGroup struct {
	Provider string   `json:"provider"`
	Sessions []string `json:"sessions"`
}
