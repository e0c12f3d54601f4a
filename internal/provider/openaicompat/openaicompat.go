// Package openaicompat streams turns over the OpenAI-compatible
// chat-completions SSE protocol. One adapter instance serves one catalog
// provider (openai, deepseek, moonshot, zhipu, ...), differing only in
// endpoint, credential, and default model.
//
// The request body is built with openai-go's param types, but frames are
// read through ssestream's raw decoder instead of the typed stream: a single
// malformed frame from a third-party "compatible" backend must be skipped,
// not kill the turn, and the non-standard reasoning_content field has to be
// pulled out of the raw delta JSON.
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

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
	sessions *provider.Sessions
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds an adapter from the provider's catalog descriptor. A nil client
// falls back to a timeout-bounded default.
func New(desc catalog.Descriptor, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Adapter{
		id:       desc.ID,
		endpoint: strings.TrimRight(desc.BaseEndpoint, "/"),
		model:    desc.DefaultModel,
		client:   client,
		sessions: provider.NewSessions(desc.ID),
	}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) StartTurn(ctx context.Context, req provider.TurnRequest) (<-chan events.Event, error) {
	// Chat completions are stateless; a resume request cannot be honored and
	// must fail visibly rather than silently starting a fresh context.
	if req.Options.ResumeSessionID != "" {
		return nil, provider.ErrResumeUnsupported
	}

	model := req.Options.Model
	if model == "" {
		model = a.model
	}

	// The session id exists before the first network byte so that every
	// event, including a connection failure, carries a valid id.
	sessionID := uuid.NewString()

	turnCtx, cancel := context.WithCancel(context.Background())
	if err := a.sessions.Track(sessionID, req.UserID, cancel); err != nil {
		cancel()
		return nil, err
	}

	em := provider.NewEmitter(sessionID, a.id, 100, 0)
	em.Created(model)

	body, err := a.buildBody(model, req)
	if err != nil {
		a.sessions.Finish(sessionID)
		cancel()
		em.Error(fmt.Sprintf("encode request: %v", err), events.CategoryInternal)
		return em.Events(), nil
	}

	go a.run(turnCtx, cancel, em, sessionID, req.Secret, body)
	return em.Events(), nil
}

func (a *Adapter) buildBody(model string, req provider.TurnRequest) ([]byte, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.Options.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.Options.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.Options.Temperature != nil {
		params.Temperature = openai.Float(*req.Options.Temperature)
	}
	if req.Options.MaxOutputUnits > 0 {
		params.MaxTokens = openai.Int(req.Options.MaxOutputUnits)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	// Extra passes provider-specific fields through verbatim. Core fields
	// are set afterwards so Extra cannot disable streaming.
	for key, value := range req.Options.Extra {
		if body, err = sjson.SetBytes(body, key, value); err != nil {
			return nil, fmt.Errorf("extra field %q: %w", key, err)
		}
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "stream_options.include_usage", true)
}

func (a *Adapter) run(ctx context.Context, cancel context.CancelFunc, em *provider.Emitter, sessionID, secret string, body []byte) {
	defer cancel()

	finish := func(terminal func()) {
		// Removal from the session table arbitrates the abort race: if the
		// session is already gone, Abort won, the dispatcher emits
		// session_aborted, and no terminal event may come from here.
		if !a.sessions.Finish(sessionID) {
			em.CloseQuiet()
			return
		}
		terminal()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/chat/completions", strings.NewReader(string(body)))
	if err != nil {
		finish(func() { em.Error(fmt.Sprintf("build request: %v", err), events.CategoryInternal) })
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+secret)

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

	var (
		stopped  bool
		finished bool
	)
	decoder := ssestream.NewDecoder(resp)
	for decoder.Next() {
		if ctx.Err() != nil {
			break
		}
		a.sessions.Touch(sessionID)

		data := decoder.Event().Data
		// Non-JSON frames ([DONE], keepalives, garbage) are skipped; a bad
		// frame never aborts the turn.
		if !gjson.ValidBytes(data) {
			continue
		}
		frame := gjson.ParseBytes(data)

		choice := frame.Get("choices.0")
		if delta := choice.Get("delta.content"); delta.Exists() && delta.String() != "" {
			em.Text(delta.String())
		}
		if thinking := choice.Get("delta.reasoning_content"); thinking.Exists() && thinking.String() != "" {
			em.Thinking(thinking.String())
		}
		if reason := choice.Get("finish_reason"); reason.Exists() && reason.String() != "" {
			finished = true
			if !stopped {
				stopped = true
				em.Stop()
			}
		}

		// With include_usage the final frame carries the token counts.
		if usage := frame.Get("usage"); usage.IsObject() {
			em.Usage(usage.Get("prompt_tokens").Int(), usage.Get("completion_tokens").Int())
		}
	}

	if err := decoder.Err(); err != nil && !finished {
		finish(func() { em.Error(fmt.Sprintf("stream %s: %v", a.id, err), events.CategoryTransport) })
		return
	}
	if !finished && ctx.Err() == nil {
		// Stream ended without a finish_reason; treat what arrived as the
		// complete answer rather than erroring on a quiet disconnect.
		if !stopped {
			em.Stop()
		}
		finish(func() { em.Complete(em.Result()) })
		return
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
