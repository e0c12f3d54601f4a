// Package oneshot is the non-streaming convenience path over the same
// adapters: collaborators that only need the final text (webhook bots, file
// digests) call ProcessTurn and never touch the realtime fan-out. Session
// reuse is bookkept here in a conversation-keyed registry with a TTL sweep,
// so a bot conversation keeps its context across webhook deliveries.
package oneshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hexwave/chatmux/internal/approval"
	"github.com/hexwave/chatmux/internal/catalog"
	"github.com/hexwave/chatmux/internal/credential"
	"github.com/hexwave/chatmux/internal/provider"
	"github.com/hexwave/chatmux/internal/registry"
	"github.com/hexwave/chatmux/pkg/events"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Options identifies the caller and the external conversation the turn
// belongs to. Platform+ConversationID key the context reuse; empty values
// mean a one-off turn with no reuse.
type Options struct {
	UserID         string
	Platform       string
	ConversationID string
	Model          string
	SystemPrompt   string
}

type Runner struct {
	catalog       *catalog.Catalog
	creds         *credential.Resolver
	adapters      map[string]provider.Adapter
	approvals     *approval.Table
	conversations *registry.ConversationRegistry
	log           *slog.Logger
}

func NewRunner(cat *catalog.Catalog, creds *credential.Resolver, adapters map[string]provider.Adapter, approvals *approval.Table, conversations *registry.ConversationRegistry, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		catalog:       cat,
		creds:         creds,
		adapters:      adapters,
		approvals:     approvals,
		conversations: conversations,
		log:           log,
	}
}

// ProcessTurn runs one turn to completion and returns the final text.
// Unattended turns cannot answer approval requests, so any proposed tool
// call is denied immediately rather than left hanging.
func (r *Runner) ProcessTurn(ctx context.Context, providerID, prompt string, opts Options) (string, error) {
	desc, ok := r.catalog.Descriptor(providerID)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	adapter, ok := r.adapters[desc.ID]
	if !ok {
		return "", fmt.Errorf("%w: %q has no adapter", ErrUnknownProvider, providerID)
	}

	secret, ok := r.creds.Resolve(opts.UserID, desc)
	if !ok {
		return "", fmt.Errorf("no credential configured for provider %q", desc.ID)
	}

	keyed := opts.Platform != "" && opts.ConversationID != ""
	resumeID := ""
	if keyed {
		if entry, ok := r.conversations.Lookup(opts.Platform, opts.ConversationID); ok && entry.ProviderID == desc.ID {
			resumeID = entry.SessionID
		}
	}

	req := provider.TurnRequest{
		Prompt: prompt,
		UserID: opts.UserID,
		Secret: secret,
		Options: provider.Options{
			ResumeSessionID: resumeID,
			Model:           opts.Model,
			SystemPrompt:    opts.SystemPrompt,
		},
	}

	stream, err := adapter.StartTurn(ctx, req)
	if errors.Is(err, provider.ErrResumeUnknown) || errors.Is(err, provider.ErrResumeUnsupported) {
		// The backend forgot the context (or never kept one). A bot
		// conversation has no user to surface the failure to, so the stale
		// binding is dropped and the turn retried fresh exactly once.
		r.conversations.Drop(opts.Platform, opts.ConversationID)
		req.Options.ResumeSessionID = ""
		stream, err = adapter.StartTurn(ctx, req)
	}
	if err != nil {
		return "", err
	}

	var (
		sessionID string
		result    string
		turnErr   error
	)
	for ev := range stream {
		switch ev.Type {
		case events.TypeSessionCreated:
			sessionID = ev.SessionID
		case events.TypeApprovalRequest:
			if data, ok := ev.ApprovalRequest(); ok {
				r.approvals.Resolve(data.RequestID, approval.Decision{Allow: false})
			}
		case events.TypeTurnComplete:
			if data, ok := ev.TurnComplete(); ok {
				result = data.Result
			}
		case events.TypeTurnError:
			if data, ok := ev.TurnError(); ok {
				turnErr = fmt.Errorf("%s: %s", data.Category, data.Message)
			}
		}
	}
	if turnErr != nil {
		if keyed {
			r.conversations.Drop(opts.Platform, opts.ConversationID)
		}
		return "", turnErr
	}

	if keyed && sessionID != "" {
		r.conversations.Bind(opts.Platform, opts.ConversationID, desc.ID, sessionID)
	}
	return result, nil
}
