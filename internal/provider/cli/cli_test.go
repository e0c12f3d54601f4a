package cli

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hexwave/chatmux/internal/provider"
	"github.com/hexwave/chatmux/pkg/events"
)

// shAdapter wraps a shell one-liner as the external CLI. The prompt arrives
// on the script's stdin exactly as the real tool receives it.
func shAdapter(script string) *Adapter {
	return New("claude-cli", "test-model", Config{
		Command:  "sh",
		BaseArgs: []string{"-c", script},
	})
}

func collect(t *testing.T, ch <-chan events.Event) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d so far", len(out))
		}
	}
}

func TestStartTurnStreamsStdout(t *testing.T) {
	a := shAdapter("cat")

	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{
		Prompt: "hello\nworld",
		UserID: "u1",
	})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	got := collect(t, ch)
	if len(got) < 4 {
		t.Fatalf("got %d events: %+v", len(got), got)
	}

	if got[0].Type != events.TypeSessionCreated {
		t.Fatalf("first event = %q, want session_created", got[0].Type)
	}
	last := got[len(got)-1]
	if last.Type != events.TypeTurnComplete {
		t.Fatalf("last event = %q, want turn_complete", last.Type)
	}

	// Deltas reassemble to the exact process output, newlines included but
	// without a trailing one.
	var text strings.Builder
	for _, ev := range got {
		if d, ok := ev.ContentDelta(); ok {
			text.WriteString(d.Text)
		}
	}
	if text.String() != "hello\nworld" {
		t.Errorf("reassembled output = %q, want %q", text.String(), "hello\nworld")
	}

	data, _ := last.TurnComplete()
	if data.Result != "hello\nworld" {
		t.Errorf("result = %q, want %q", data.Result, "hello\nworld")
	}

	if a.IsActive(got[0].SessionID) {
		t.Error("session still active after completion")
	}
}

func TestStartTurnNonZeroExit(t *testing.T) {
	a := shAdapter("echo oops >&2; exit 3")

	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{Prompt: "x", UserID: "u1"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	got := collect(t, ch)
	last := got[len(got)-1]
	data, ok := last.TurnError()
	if !ok {
		t.Fatalf("last event = %q, want turn_error", last.Type)
	}
	if data.Category != events.CategoryTransport {
		t.Errorf("category = %q, want transport", data.Category)
	}
	if !strings.Contains(data.Message, "3") || !strings.Contains(data.Message, "oops") {
		t.Errorf("message = %q, want exit code and stderr tail", data.Message)
	}
}

func TestStartTurnSpawnFailure(t *testing.T) {
	a := New("claude-cli", "test-model", Config{Command: "/nonexistent/cli-tool"})

	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{Prompt: "x", UserID: "u1"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	got := collect(t, ch)
	last := got[len(got)-1]
	data, ok := last.TurnError()
	if !ok {
		t.Fatalf("last event = %q, want turn_error", last.Type)
	}
	if data.Category != events.CategoryTransport {
		t.Errorf("category = %q", data.Category)
	}
	if a.IsActive(last.SessionID) {
		t.Error("session tracked after spawn failure")
	}
}

func TestAbortKillsProcessWithoutTerminal(t *testing.T) {
	a := shAdapter("sleep 10")

	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{Prompt: "x", UserID: "u1"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	first := <-ch
	if first.Type != events.TypeSessionCreated {
		t.Fatalf("first event = %q", first.Type)
	}
	sessionID := first.SessionID

	if !a.Abort(sessionID) {
		t.Fatal("Abort() = false for live session")
	}
	// Idempotent: the session is already gone.
	if a.Abort(sessionID) {
		t.Fatal("second Abort() = true")
	}

	// The channel closes without any terminal event; session_aborted comes
	// from the dispatcher, not the adapter.
	rest := collect(t, ch)
	for _, ev := range rest {
		if ev.Terminal() {
			t.Errorf("aborted stream carried terminal event %q", ev.Type)
		}
	}
	if a.IsActive(sessionID) {
		t.Error("session still active after abort")
	}
}

func TestResumeUnsupportedWithoutFlag(t *testing.T) {
	a := shAdapter("cat") // custom command, no resume flag configured

	_, err := a.StartTurn(context.Background(), provider.TurnRequest{
		Prompt:  "x",
		UserID:  "u1",
		Options: provider.Options{ResumeSessionID: "old-session"},
	})
	if !errors.Is(err, provider.ErrResumeUnsupported) {
		t.Fatalf("StartTurn() error = %v, want ErrResumeUnsupported", err)
	}
}

func TestDefaultsDriveClaudeCLI(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Command != "claude" {
		t.Errorf("Command = %q, want claude", cfg.Command)
	}
	if cfg.ResumeFlag != "--resume" || cfg.ModelFlag != "--model" {
		t.Errorf("flags = %q / %q", cfg.ResumeFlag, cfg.ModelFlag)
	}
	if cfg.StopTimeout <= 0 {
		t.Error("StopTimeout not defaulted")
	}

	// A custom command keeps its own (possibly empty) flag set.
	custom := Config{Command: "mycli"}.withDefaults()
	if custom.ModelFlag != "" || custom.ResumeFlag != "" {
		t.Errorf("custom flags = %q / %q, want empty", custom.ModelFlag, custom.ResumeFlag)
	}
}

func TestActiveSessions(t *testing.T) {
	a := shAdapter("sleep 10")
	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{Prompt: "x", UserID: "u1"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	first := <-ch

	ids := a.ActiveSessions()
	if len(ids) != 1 || ids[0] != first.SessionID {
		t.Errorf("ActiveSessions() = %v, want [%s]", ids, first.SessionID)
	}

	a.Abort(first.SessionID)
	collect(t, ch)
	if len(a.ActiveSessions()) != 0 {
		t.Error("ActiveSessions() not empty after abort")
	}
}
