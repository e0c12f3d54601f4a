// Package api exposes the gateway over HTTP: a WebSocket endpoint for the
// realtime protocol and a small set of REST lookups over the catalog.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hexwave/chatmux/internal/catalog"
	"github.com/hexwave/chatmux/internal/credential"
	"github.com/hexwave/chatmux/internal/dispatch"
	"github.com/hexwave/chatmux/internal/fanout"
	"github.com/hexwave/chatmux/internal/oneshot"
)

type Handler struct {
	dispatcher *dispatch.Dispatcher
	hub        *fanout.Hub
	catalog    *catalog.Catalog
	creds      *credential.Resolver
	runner     *oneshot.Runner
	log        *slog.Logger
}

func NewHandler(dispatcher *dispatch.Dispatcher, hub *fanout.Hub, cat *catalog.Catalog, creds *credential.Resolver, runner *oneshot.Runner, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		hub:        hub,
		catalog:    cat,
		creds:      creds,
		runner:     runner,
		log:        log,
	}
}

// Mount registers all routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/api/realtime", h.realtimeWebSocket)
	r.Get("/api/v1/providers", h.listProviders)
	r.Post("/api/v1/turns", h.processTurn)
	r.Get("/healthz", h.health)
}

// userID extracts the caller identity established by the (out-of-scope)
// auth layer in front of us.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("user"); id != "" {
		return id
	}
	return "anonymous"
}

type providerInfo struct {
	ID           string `json:"id"`
	Transport    string `json:"transport"`
	DefaultModel string `json:"default_model"`
	Available    bool   `json:"available"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	out := make([]providerInfo, 0, len(h.catalog.IDs()))
	for _, id := range h.catalog.IDs() {
		desc, _ := h.catalog.Descriptor(id)
		out = append(out, providerInfo{
			ID:           desc.ID,
			Transport:    string(desc.Transport),
			DefaultModel: desc.DefaultModel,
			Available:    h.creds.Available(user, desc),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
