package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/hexwave/chatmux/internal/api"
	"github.com/hexwave/chatmux/internal/approval"
	"github.com/hexwave/chatmux/internal/catalog"
	"github.com/hexwave/chatmux/internal/credential"
	"github.com/hexwave/chatmux/internal/dispatch"
	"github.com/hexwave/chatmux/internal/fanout"
	"github.com/hexwave/chatmux/internal/oneshot"
	"github.com/hexwave/chatmux/internal/provider"
	"github.com/hexwave/chatmux/internal/provider/cli"
	"github.com/hexwave/chatmux/internal/provider/ernie"
	"github.com/hexwave/chatmux/internal/provider/native"
	"github.com/hexwave/chatmux/internal/provider/openaicompat"
	"github.com/hexwave/chatmux/internal/registry"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	catalogPath := flag.String("catalog", "", "optional YAML catalog override")
	conversationTTL := flag.Duration("conversation-ttl", registry.DefaultConversationTTL, "idle TTL for bot conversation sessions")
	flag.Parse()

	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		log.Error("load catalog", "error", err)
		os.Exit(1)
	}

	// The per-user credential store lives outside this process; with none
	// attached, only environment fallbacks resolve.
	creds := credential.NewResolver(nil)

	approvals := approval.NewTable()
	adapters := buildAdapters(cat, approvals)

	hub := fanout.NewHub()
	dispatcher := dispatch.New(dispatch.Config{
		Catalog:     cat,
		Credentials: creds,
		Adapters:    adapters,
		Approvals:   approvals,
		Hub:         hub,
		Logger:      log,
	})

	conversations := registry.NewConversationRegistry(*conversationTTL)
	if err := conversations.StartSweeper(""); err != nil {
		log.Error("start conversation sweeper", "error", err)
		os.Exit(1)
	}
	defer conversations.StopSweeper()

	runner := oneshot.NewRunner(cat, creds, adapters, approvals, conversations, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	api.NewHandler(dispatcher, hub, cat, creds, runner, log).Mount(r)

	srv := &http.Server{Addr: *addr, Handler: r}

	go func() {
		log.Info("listening", "addr", *addr, "providers", cat.IDs())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("serve", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
}

// buildAdapters constructs one adapter per catalog provider, selected by
// transport. Adding a transport means adding one constructor arm here and
// one catalog entry, nothing in the dispatcher.
func buildAdapters(cat *catalog.Catalog, approvals *approval.Table) map[string]provider.Adapter {
	adapters := make(map[string]provider.Adapter)
	for _, id := range cat.IDs() {
		desc, _ := cat.Descriptor(id)
		switch desc.Transport {
		case catalog.TransportNativeSDK:
			adapters[id] = native.New(desc, approvals, native.Config{})
		case catalog.TransportSubprocess:
			adapters[id] = cli.New(id, desc.DefaultModel, cli.Config{})
		case catalog.TransportOpenAISSE:
			adapters[id] = openaicompat.New(desc, nil)
		case catalog.TransportErnieSSE:
			adapters[id] = ernie.New(desc, nil)
		}
	}
	return adapters
}
