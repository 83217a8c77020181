// ABOUTME: Gateway wiring and server lifecycle for the parley service
// ABOUTME: Builds the store, vault, providers, and HTTP routes from config

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/escalation"
	"github.com/parleyhq/parley/internal/modelkey"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/vault"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// builtinTools are offered to tool-capable models. Calls are persisted with
// the assistant message for an external executor; the gateway itself never
// runs them.
var builtinTools = []provider.ToolSpec{
	{
		Name:           "request_human_handoff",
		Description:    "Ask for the conversation to be handed to a human support agent",
		ParametersJSON: `{"type":"object","properties":{"reason":{"type":"string","description":"Why a human is needed"}},"required":["reason"]}`,
	},
	{
		Name:           "lookup_order",
		Description:    "Look up the status of a customer order by its id",
		ParametersJSON: `{"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]}`,
	},
}

// Gateway owns every component of the running service and the HTTP server
// that exposes them.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store         *store.SQLiteStore
	broadcaster   *conversation.Broadcaster
	conversations *conversation.Service
	escalations   *escalation.Coordinator
	keys          *modelkey.Service
	presence      *presenceRegistry

	httpServer *http.Server
}

// New creates a Gateway from configuration. All wiring failures are
// startup-fatal; nothing degrades silently.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	v, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("initializing vault: %w", err)
	}

	registry := provider.NewRegistry(
		cfg.Providers.Ollama.BaseURL,
		cfg.Providers.Custom.BaseURL,
		cfg.Providers.RequestTimeout,
		logger,
	)

	broadcaster := conversation.NewBroadcaster(logger)
	keys := modelkey.NewService(st, v, logger)
	conversations := conversation.NewService(st, registry, keys, broadcaster, builtinTools, logger)
	escalations := escalation.NewCoordinator(st, broadcaster, logger)

	g := &Gateway{
		config:        cfg,
		logger:        logger.With("component", "gateway"),
		store:         st,
		broadcaster:   broadcaster,
		conversations: conversations,
		escalations:   escalations,
		keys:          keys,
		presence:      newPresenceRegistry(),
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// registerRoutes mounts the API behind JWT auth. Connections failing
// verification are rejected before any handler runs.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	verifier := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
	authMiddleware := auth.HTTPAuthMiddleware(verifier)
	agentOnly := auth.RequireAgentHTTP()

	mux.HandleFunc("/healthz", g.handleHealth)

	mux.Handle("/api/events", authMiddleware(http.HandlerFunc(g.handleEvents)))
	mux.Handle("/api/messages", authMiddleware(http.HandlerFunc(g.handleSendMessage)))
	mux.Handle("/api/typing", authMiddleware(http.HandlerFunc(g.handleTyping)))
	mux.Handle("/api/models", authMiddleware(http.HandlerFunc(g.handleListModels)))
	mux.Handle("/api/conversations", authMiddleware(http.HandlerFunc(g.handleConversations)))
	mux.Handle("/api/conversations/", authMiddleware(http.HandlerFunc(g.handleConversationRoutes)))
	mux.Handle("/api/escalations", authMiddleware(agentOnly(http.HandlerFunc(g.handleListEscalations))))
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time shutdown starts.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, waits for in-flight generations so
// responses already started still get persisted, and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	// Give in-flight generations until the deadline, then stop waiting so
	// a slow backend cannot hold process exit for its full request timeout.
	done := make(chan struct{})
	go func() {
		g.conversations.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown deadline reached with generations still in flight")
	}

	g.broadcaster.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	g.logger.Info("gateway stopped")
	return nil
}

// handleHealth handles GET /healthz.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
