package events

import (
	"encoding/json"
	"testing"
)

func TestTerminal(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{"session_created", NewSessionCreated("s1", "openai", "gpt-4o"), false},
		{"content_delta", NewTextDelta("s1", "hello"), false},
		{"content_stop", NewContentStop("s1"), false},
		{"usage", NewUsage("s1", 10, 5), false},
		{"approval_request", NewApprovalRequest("s1", "r1", "run_shell", nil), false},
		{"turn_complete", NewTurnComplete("s1", "openai", "done"), true},
		{"turn_error", NewTurnError("s1", "boom", CategoryTransport), true},
		{"session_aborted", NewSessionAborted("s1", "openai", true), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstructorsAndAccessors(t *testing.T) {
	ev := NewTextDelta("s1", "hello")
	if ev.SessionID != "s1" {
		t.Errorf("SessionID = %q, want %q", ev.SessionID, "s1")
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected a non-zero timestamp")
	}
	delta, ok := ev.ContentDelta()
	if !ok {
		t.Fatal("ContentDelta() ok = false")
	}
	if delta.Text != "hello" {
		t.Errorf("Text = %q, want %q", delta.Text, "hello")
	}
	if delta.Thinking != "" {
		t.Errorf("Thinking = %q, want empty", delta.Thinking)
	}

	usage := NewUsage("s1", 10, 5)
	data, ok := usage.Usage()
	if !ok {
		t.Fatal("Usage() ok = false")
	}
	if data.TotalUnits != 15 {
		t.Errorf("TotalUnits = %d, want 15", data.TotalUnits)
	}

	// Accessors reject mismatched types.
	if _, ok := usage.TurnComplete(); ok {
		t.Error("TurnComplete() on a usage event should return false")
	}
}

func TestUnmarshalDecodesDataByType(t *testing.T) {
	tests := []struct {
		name  string
		ev    Event
		check func(t *testing.T, got Event)
	}{
		{
			name: "turn_error",
			ev:   NewTurnError("s1", "boom", CategoryAuth),
			check: func(t *testing.T, got Event) {
				data, ok := got.TurnError()
				if !ok {
					t.Fatal("TurnError() ok = false after round trip")
				}
				if data.Message != "boom" || data.Category != CategoryAuth {
					t.Errorf("data = %+v", data)
				}
			},
		},
		{
			name: "content_delta",
			ev:   NewThinkingDelta("s1", "hmm"),
			check: func(t *testing.T, got Event) {
				data, ok := got.ContentDelta()
				if !ok {
					t.Fatal("ContentDelta() ok = false after round trip")
				}
				if data.Thinking != "hmm" {
					t.Errorf("Thinking = %q, want %q", data.Thinking, "hmm")
				}
			},
		},
		{
			name: "approval_request",
			ev:   NewApprovalRequest("s1", "r1", "run_shell", map[string]any{"cmd": "ls"}),
			check: func(t *testing.T, got Event) {
				data, ok := got.ApprovalRequest()
				if !ok {
					t.Fatal("ApprovalRequest() ok = false after round trip")
				}
				if data.RequestID != "r1" || data.ToolName != "run_shell" {
					t.Errorf("data = %+v", data)
				}
				if data.Input["cmd"] != "ls" {
					t.Errorf("Input = %v", data.Input)
				}
			},
		},
		{
			name: "content_stop has no data",
			ev:   NewContentStop("s1"),
			check: func(t *testing.T, got Event) {
				if got.Data != nil {
					t.Errorf("Data = %v, want nil", got.Data)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got Event
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != tt.ev.Type {
				t.Errorf("Type = %q, want %q", got.Type, tt.ev.Type)
			}
			if got.SessionID != tt.ev.SessionID {
				t.Errorf("SessionID = %q, want %q", got.SessionID, tt.ev.SessionID)
			}
			tt.check(t, got)
		})
	}
}
