package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hexwave/chatmux/internal/catalog"
	"github.com/hexwave/chatmux/internal/provider"
	"github.com/hexwave/chatmux/pkg/events"
)

func testDescriptor(endpoint string) catalog.Descriptor {
	return catalog.Descriptor{
		ID:             "deepseek",
		Transport:      catalog.TransportOpenAISSE,
		BaseEndpoint:   endpoint,
		CredentialKind: "deepseek-api-key",
		EnvVar:         "DEEPSEEK_API_KEY",
		DefaultModel:   "deepseek-chat",
	}
}

func sseServer(t *testing.T, check func(r *http.Request, body []byte), frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if check != nil {
			check(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}))
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

func TestStartTurnStreamsDeltas(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	srv := sseServer(t, func(r *http.Request, body []byte) {
		gotAuth = r.Header.Get("Authorization")
		gotBody = body
	},
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`this frame is not json and must be skipped`,
		`{"choices":[{"delta":{"reasoning_content":"pondering"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7}}`,
		`[DONE]`,
	)
	defer srv.Close()

	a := New(testDescriptor(srv.URL), srv.Client())
	temp := 0.2
	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{
		Prompt: "say hello",
		UserID: "u1",
		Secret: "sk-test",
		Options: provider.Options{
			SystemPrompt: "be brief",
			Temperature:  &temp,
		},
	})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	got := collect(t, ch)

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	body := gjson.ParseBytes(gotBody)
	if !body.Get("stream").Bool() {
		t.Error("request body missing stream:true")
	}
	if !body.Get("stream_options.include_usage").Bool() {
		t.Error("request body missing stream_options.include_usage")
	}
	if body.Get("model").String() != "deepseek-chat" {
		t.Errorf("model = %q", body.Get("model").String())
	}
	if body.Get("messages.0.role").String() != "system" {
		t.Errorf("first message role = %q, want system", body.Get("messages.0.role").String())
	}

	var text, thinking strings.Builder
	var sawStop, sawUsage bool
	for _, ev := range got {
		switch ev.Type {
		case events.TypeContentDelta:
			d, _ := ev.ContentDelta()
			text.WriteString(d.Text)
			thinking.WriteString(d.Thinking)
		case events.TypeContentStop:
			sawStop = true
		case events.TypeUsage:
			sawUsage = true
			u, _ := ev.Usage()
			if u.InputUnits != 5 || u.OutputUnits != 7 {
				t.Errorf("usage = %+v", u)
			}
		}
	}
	if text.String() != "Hello" {
		t.Errorf("text = %q, want Hello", text.String())
	}
	if thinking.String() != "pondering" {
		t.Errorf("thinking = %q", thinking.String())
	}
	if !sawStop || !sawUsage {
		t.Errorf("sawStop = %v, sawUsage = %v", sawStop, sawUsage)
	}

	last := got[len(got)-1]
	data, ok := last.TurnComplete()
	if !ok {
		t.Fatalf("last event = %q, want turn_complete", last.Type)
	}
	if data.Result != "Hello" {
		t.Errorf("result = %q, want Hello", data.Result)
	}
	if a.IsActive(last.SessionID) {
		t.Error("session still active after completion")
	}
}

func TestExtraFieldsPassThrough(t *testing.T) {
	var gotBody []byte
	srv := sseServer(t, func(r *http.Request, body []byte) { gotBody = body },
		`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
	)
	defer srv.Close()

	a := New(testDescriptor(srv.URL), srv.Client())
	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{
		Prompt: "x",
		UserID: "u1",
		Secret: "sk",
		Options: provider.Options{Extra: map[string]any{
			"top_p":  0.9,
			"stream": false,
		}},
	})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	collect(t, ch)

	body := gjson.ParseBytes(gotBody)
	if body.Get("top_p").Float() != 0.9 {
		t.Errorf("top_p = %v, want 0.9", body.Get("top_p").Value())
	}
	// Extra cannot turn streaming off.
	if !body.Get("stream").Bool() {
		t.Error("stream = false, extra fields must not override it")
	}
}

func TestStartTurnQuietDisconnect(t *testing.T) {
	// The stream ends without a finish_reason; what arrived is the answer.
	srv := sseServer(t, nil, `{"choices":[{"delta":{"content":"partial"}}]}`)
	defer srv.Close()

	a := New(testDescriptor(srv.URL), srv.Client())
	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{Prompt: "x", UserID: "u1", Secret: "sk"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	got := collect(t, ch)
	last := got[len(got)-1]
	data, ok := last.TurnComplete()
	if !ok {
		t.Fatalf("last event = %q, want turn_complete", last.Type)
	}
	if data.Result != "partial" {
		t.Errorf("result = %q", data.Result)
	}
}

func TestStartTurnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := New(testDescriptor(srv.URL), srv.Client())
	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{Prompt: "x", UserID: "u1", Secret: "sk"})
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
	if !strings.Contains(data.Message, "401") {
		t.Errorf("message = %q, want status code", data.Message)
	}
}

func TestStartTurnConnectionRefused(t *testing.T) {
	a := New(testDescriptor("http://127.0.0.1:1"), &http.Client{Timeout: 2 * time.Second})
	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{Prompt: "x", UserID: "u1", Secret: "sk"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	got := collect(t, ch)
	if got[0].Type != events.TypeSessionCreated {
		t.Fatalf("first event = %q, want session_created even on failure", got[0].Type)
	}
	if got[0].SessionID == "" {
		t.Error("failure events must carry a session id")
	}
	last := got[len(got)-1]
	if data, ok := last.TurnError(); !ok || data.Category != events.CategoryTransport {
		t.Errorf("last event = %+v", last)
	}
}

func TestResumeUnsupported(t *testing.T) {
	a := New(testDescriptor("http://unused"), nil)
	_, err := a.StartTurn(context.Background(), provider.TurnRequest{
		Prompt:  "x",
		UserID:  "u1",
		Secret:  "sk",
		Options: provider.Options{ResumeSessionID: "old"},
	})
	if !errors.Is(err, provider.ErrResumeUnsupported) {
		t.Fatalf("StartTurn() error = %v, want ErrResumeUnsupported", err)
	}
}

func TestAbortMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"start\"}}]}\n\n")
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	a := New(testDescriptor(srv.URL), srv.Client())
	ch, err := a.StartTurn(context.Background(), provider.TurnRequest{Prompt: "x", UserID: "u1", Secret: "sk"})
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}

	first := <-ch
	sessionID := first.SessionID
	// Wait for the first delta so the stream is known to be live.
	<-ch

	if !a.Abort(sessionID) {
		t.Fatal("Abort() = false for live session")
	}

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
