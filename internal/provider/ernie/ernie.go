// Package ernie streams turns from a backend that requires an OAuth2 token
// exchange before each conversation: the long-lived API key + secret are
// traded for a short-lived bearer token, and completions arrive as SSE
// frames carrying a "result" fragment and an "is_end" terminal marker
// instead of the OpenAI finish_reason.
package ernie

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/hexwave/chatmux/internal/catalog"
	"github.com/hexwave/chatmux/internal/provider"
	"github.com/hexwave/chatmux/pkg/events"
)

const defaultRequestTimeout = 10 * time.Minute

type Adapter struct {
	id       string
	endpoint string
	model    string
	client   *http.Client
	tokens   *tokenCache
	sessions *provider.Sessions
}

var _ provider.Adapter = (*Adapter)(nil)

func New(desc catalog.Descriptor, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	endpoint := strings.TrimRight(desc.BaseEndpoint, "/")
	return &Adapter{
		id:       desc.ID,
		endpoint: endpoint,
		model:    desc.DefaultModel,
		client:   client,
		tokens:   newTokenCache(endpoint, client),
		sessions: provider.NewSessions(desc.ID),
	}
}

func (a *Adapter) ID() string { return a.id }

// splitKeyPair splits the resolved "apiKey:secretKey" credential.
func splitKeyPair(secret string) (string, string, bool) {
	apiKey, secretKey, ok := strings.Cut(secret, ":")
	return apiKey, secretKey, ok && apiKey != "" && secretKey != ""
}

func (a *Adapter) StartTurn(ctx context.Context, req provider.TurnRequest) (<-chan events.Event, error) {
	if req.Options.ResumeSessionID != "" {
		return nil, provider.ErrResumeUnsupported
	}

	apiKey, secretKey, ok := splitKeyPair(req.Secret)
	if !ok {
		return nil, fmt.Errorf("%s credential must be \"apiKey:secretKey\"", a.id)
	}

	model := req.Options.Model
	if model == "" {
		model = a.model
	}

	// Session id before the first network byte, token exchange included.
	sessionID := uuid.NewString()

	turnCtx, cancel := context.WithCancel(context.Background())
	if err := a.sessions.Track(sessionID, req.UserID, cancel); err != nil {
		cancel()
		return nil, err
	}

	em := provider.NewEmitter(sessionID, a.id, 100, 0)
	em.Created(model)

	go a.run(turnCtx, cancel, em, sessionID, apiKey, secretKey, model, req)
	return em.Events(), nil
}

func (a *Adapter) run(ctx context.Context, cancel context.CancelFunc, em *provider.Emitter, sessionID, apiKey, secretKey, model string, req provider.TurnRequest) {
	defer cancel()

	finish := func(terminal func()) {
		// Losing the removal race to Abort means session_aborted is the
		// terminal; close quietly.
		if !a.sessions.Finish(sessionID) {
			em.CloseQuiet()
			return
		}
		terminal()
	}

	// A token-exchange failure is terminal with its own category, distinct
	// from a mid-stream transport error.
	token, err := a.tokens.Get(ctx, apiKey, secretKey)
	if err != nil {
		finish(func() { em.Error(err.Error(), events.CategoryAuth) })
		return
	}

	// Extra goes in first so provider-specific fields (penalty_score,
	// top_p, ...) pass through while the core fields stay authoritative.
	payload := make(map[string]any, len(req.Options.Extra)+6)
	for key, value := range req.Options.Extra {
		payload[key] = value
	}
	payload["messages"] = []map[string]string{
		{"role": "user", "content": req.Prompt},
	}
	payload["stream"] = true
	if req.Options.SystemPrompt != "" {
		payload["system"] = req.Options.SystemPrompt
	}
	if req.Options.Temperature != nil {
		payload["temperature"] = *req.Options.Temperature
	}
	if req.Options.MaxOutputUnits > 0 {
		payload["max_output_tokens"] = req.Options.MaxOutputUnits
	}
	body, err := json.Marshal(payload)
	if err != nil {
		finish(func() { em.Error(fmt.Sprintf("encode request: %v", err), events.CategoryInternal) })
		return
	}

	chatURL := fmt.Sprintf("%s/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/%s?access_token=%s", a.endpoint, model, token)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL, bytes.NewReader(body))
	if err != nil {
		finish(func() { em.Error(fmt.Sprintf("build request: %v", err), events.CategoryInternal) })
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		finish(func() { em.Error(fmt.Sprintf("request %s: %v", a.id, err), events.CategoryTransport) })
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		finish(func() {
			em.Error(fmt.Sprintf("%s returned %d: %s", a.id, resp.StatusCode, strings.TrimSpace(string(snippet))), events.CategoryTransport)
		})
		return
	}

	var ended bool
	decoder := ssestream.NewDecoder(resp)
	for decoder.Next() {
		if ctx.Err() != nil {
			break
		}
		a.sessions.Touch(sessionID)

		data := decoder.Event().Data
		if !gjson.ValidBytes(data) {
			continue
		}
		frame := gjson.ParseBytes(data)

		// Mid-stream provider errors arrive as error_code frames.
		if code := frame.Get("error_code"); code.Exists() && code.Int() != 0 {
			finish(func() {
				em.Error(fmt.Sprintf("%s error %d: %s", a.id, code.Int(), frame.Get("error_msg").String()), events.CategoryTransport)
			})
			return
		}

		if result := frame.Get("result"); result.Exists() && result.String() != "" {
			em.Text(result.String())
		}
		if usage := frame.Get("usage"); usage.IsObject() {
			em.Usage(usage.Get("prompt_tokens").Int(), usage.Get("completion_tokens").Int())
		}
		if frame.Get("is_end").Bool() {
			ended = true
			em.Stop()
			break
		}
	}

	if err := decoder.Err(); err != nil && !ended {
		finish(func() { em.Error(fmt.Sprintf("stream %s: %v", a.id, err), events.CategoryTransport) })
		return
	}
	if !ended && ctx.Err() == nil {
		em.Stop()
	}

	finish(func() { em.Complete(em.Result()) })
}

func (a *Adapter) Abort(sessionID string) bool {
	return a.sessions.Abort(sessionID)
}

func (a *Adapter) IsActive(sessionID string) bool {
	return a.sessions.IsActive(sessionID)
}

func (a *Adapter) ActiveSessions() []string {
	return a.sessions.ActiveSessions()
}
