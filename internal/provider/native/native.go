// Package native runs turns in-process through the genai streaming SDK.
// It is the one transport with an interactive sub-protocol: when the model
// proposes a side-effecting tool call, the turn suspends, an
// approval_request event surfaces the proposal, and the turn resumes only
// when the pending request is resolved (or the turn is aborted).
package native

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/hexwave/chatmux/internal/approval"
	"github.com/hexwave/chatmux/internal/catalog"
	"github.com/hexwave/chatmux/internal/provider"
	"github.com/hexwave/chatmux/pkg/events"
)

// StreamFunc is the SDK streaming call. Production uses a genai client;
// tests substitute a canned sequence.
type StreamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// ToolExecutor performs an approved tool call and returns its result map.
// It is only invoked after an explicit allow decision.
type ToolExecutor func(ctx context.Context, name string, args map[string]any) (map[string]any, error)

type Config struct {
	Tools   []*genai.Tool
	Execute ToolExecutor
	Stream  StreamFunc

	// MaxHistory caps how many conversation histories are retained for
	// resume. When the cap is hit the least recently used history is
	// evicted and its session id becomes unresumable. Zero means the
	// default of 256.
	MaxHistory int
}

const defaultMaxHistory = 256

// historyEntry is one resumable conversation. lastUsed drives eviction.
type historyEntry struct {
	contents []*genai.Content
	lastUsed time.Time
}

type Adapter struct {
	id        string
	model     string
	cfg       Config
	approvals *approval.Table
	sessions  *provider.Sessions

	histMu  sync.Mutex
	history map[string]*historyEntry
}

var _ provider.Adapter = (*Adapter)(nil)

func New(desc catalog.Descriptor, approvals *approval.Table, cfg Config) *Adapter {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	return &Adapter{
		id:        desc.ID,
		model:     desc.DefaultModel,
		cfg:       cfg,
		approvals: approvals,
		sessions:  provider.NewSessions(desc.ID),
		history:   make(map[string]*historyEntry),
	}
}

// loadHistory returns a copy of the stored conversation and refreshes its
// recency. The second return is false for unknown or evicted ids.
func (a *Adapter) loadHistory(sessionID string) ([]*genai.Content, bool) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	entry, ok := a.history[sessionID]
	if !ok {
		return nil, false
	}
	entry.lastUsed = time.Now()
	return append([]*genai.Content(nil), entry.contents...), true
}

// storeHistory saves the conversation for later resume, evicting the least
// recently used entry once the cap is reached.
func (a *Adapter) storeHistory(sessionID string, contents []*genai.Content) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	if _, ok := a.history[sessionID]; !ok && len(a.history) >= a.cfg.MaxHistory {
		var (
			oldestID string
			oldestAt time.Time
		)
		for id, entry := range a.history {
			if oldestID == "" || entry.lastUsed.Before(oldestAt) {
				oldestID = id
				oldestAt = entry.lastUsed
			}
		}
		delete(a.history, oldestID)
	}
	a.history[sessionID] = &historyEntry{contents: contents, lastUsed: time.Now()}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) StartTurn(ctx context.Context, req provider.TurnRequest) (<-chan events.Event, error) {
	sessionID := req.Options.ResumeSessionID
	if sessionID != "" {
		// A forgotten or evicted id fails the turn visibly instead of
		// silently starting an unrelated fresh context.
		if _, known := a.loadHistory(sessionID); !known {
			return nil, provider.ErrResumeUnknown
		}
	} else {
		sessionID = uuid.NewString()
	}

	model := req.Options.Model
	if model == "" {
		model = a.model
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	if err := a.sessions.Track(sessionID, req.UserID, cancel); err != nil {
		cancel()
		return nil, err
	}

	em := provider.NewEmitter(sessionID, a.id, 100, 0)
	em.Created(model)

	go a.run(turnCtx, cancel, em, sessionID, model, req)
	return em.Events(), nil
}

func (a *Adapter) streamFunc(ctx context.Context, secret string) (StreamFunc, error) {
	if a.cfg.Stream != nil {
		return a.cfg.Stream, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  secret,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return client.Models.GenerateContentStream(ctx, model, contents, cfg)
	}, nil
}

func (a *Adapter) generateConfig(req provider.TurnRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{Tools: a.cfg.Tools}
	if req.Options.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.Options.SystemPrompt, genai.RoleUser)
	}
	if req.Options.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Options.Temperature))
	}
	if req.Options.MaxOutputUnits > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxOutputUnits)
	}
	return cfg
}

func (a *Adapter) run(ctx context.Context, cancel context.CancelFunc, em *provider.Emitter, sessionID, model string, req provider.TurnRequest) {
	defer cancel()

	finish := func(terminal func()) {
		// Removal from the session table arbitrates the abort race; the
		// loser releases any suspended approvals and closes quietly.
		if !a.sessions.Finish(sessionID) {
			a.approvals.DropSession(sessionID)
			em.CloseQuiet()
			return
		}
		if terminal != nil {
			terminal()
			return
		}
		em.CloseQuiet()
	}

	stream, err := a.streamFunc(ctx, req.Secret)
	if err != nil {
		finish(func() { em.Error(fmt.Sprintf("init sdk client: %v", err), events.CategoryTransport) })
		return
	}

	contents, _ := a.loadHistory(sessionID)
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	cfg := a.generateConfig(req)

	var tokensIn, tokensOut int64
	for {
		var (
			calls      []*genai.FunctionCall
			modelParts []*genai.Part
			streamErr  error
		)

		for resp, err := range stream(ctx, model, contents, cfg) {
			if err != nil {
				streamErr = err
				break
			}
			if ctx.Err() != nil {
				break
			}
			a.sessions.Touch(sessionID)

			if resp.UsageMetadata != nil {
				tokensIn = int64(resp.UsageMetadata.PromptTokenCount)
				tokensOut = int64(resp.UsageMetadata.CandidatesTokenCount)
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					switch {
					case part.FunctionCall != nil:
						calls = append(calls, part.FunctionCall)
						modelParts = append(modelParts, part)
					case part.Text != "" && part.Thought:
						em.Thinking(part.Text)
					case part.Text != "":
						em.Text(part.Text)
						modelParts = append(modelParts, part)
					}
				}
			}
		}

		if ctx.Err() != nil {
			finish(nil)
			return
		}
		if streamErr != nil {
			finish(func() { em.Error(fmt.Sprintf("sdk stream: %v", streamErr), events.CategoryTransport) })
			return
		}

		if len(modelParts) > 0 {
			contents = append(contents, genai.NewContentFromParts(modelParts, genai.RoleModel))
		}
		if len(calls) == 0 {
			break
		}

		// Suspend on each proposed call until the external decision lands.
		var responses []*genai.Part
		for _, call := range calls {
			part, err := a.resolveCall(ctx, em, sessionID, call)
			if err != nil {
				finish(nil)
				return
			}
			responses = append(responses, part)
		}
		contents = append(contents, genai.NewContentFromParts(responses, genai.RoleUser))
	}

	a.storeHistory(sessionID, contents)

	if tokensIn > 0 || tokensOut > 0 {
		em.Usage(tokensIn, tokensOut)
	}
	em.Stop()
	finish(func() { em.Complete(em.Result()) })
}

// resolveCall raises an approval request for one proposed tool call and
// blocks until it is resolved. A context cancellation (abort) propagates as
// the returned error.
func (a *Adapter) resolveCall(ctx context.Context, em *provider.Emitter, sessionID string, call *genai.FunctionCall) (*genai.Part, error) {
	requestID := a.approvals.Create(sessionID)
	em.ApprovalRequest(requestID, call.Name, call.Args)

	decision, err := a.approvals.Await(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if !decision.Allow {
		return genai.NewPartFromFunctionResponse(call.Name, map[string]any{
			"error": "tool call denied by user",
		}), nil
	}

	args := call.Args
	if decision.UpdatedInput != nil {
		args = decision.UpdatedInput
	}

	if a.cfg.Execute == nil {
		return genai.NewPartFromFunctionResponse(call.Name, map[string]any{
			"error": "no tool executor configured",
		}), nil
	}
	out, err := a.cfg.Execute(ctx, call.Name, args)
	if err != nil {
		return genai.NewPartFromFunctionResponse(call.Name, map[string]any{
			"error": err.Error(),
		}), nil
	}
	return genai.NewPartFromFunctionResponse(call.Name, out), nil
}

func (a *Adapter) Abort(sessionID string) bool {
	ok := a.sessions.Abort(sessionID)
	if ok {
		a.approvals.DropSession(sessionID)
	}
	return ok
}

func (a *Adapter) IsActive(sessionID string) bool {
	return a.sessions.IsActive(sessionID)
}

func (a *Adapter) ActiveSessions() []string {
	return a.sessions.ActiveSessions()
}
