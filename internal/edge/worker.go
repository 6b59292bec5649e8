// Package edge assembles the worker: transports per tracker token, webhook
// dedup and routing, the orchestrator, the shared app server, config hot
// reload, and graceful shutdown.
package edge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/cyrus/internal/assistant"
	"github.com/nextlevelbuilder/cyrus/internal/config"
	"github.com/nextlevelbuilder/cyrus/internal/mcpserver"
	"github.com/nextlevelbuilder/cyrus/internal/orchestrator"
	"github.com/nextlevelbuilder/cyrus/internal/procedure"
	"github.com/nextlevelbuilder/cyrus/internal/prompt"
	"github.com/nextlevelbuilder/cyrus/internal/session"
	"github.com/nextlevelbuilder/cyrus/internal/telemetry"
	"github.com/nextlevelbuilder/cyrus/internal/tracker"
	"github.com/nextlevelbuilder/cyrus/internal/webhook"
)

// shutdownCap bounds graceful shutdown; a hung step must not block exit.
const shutdownCap = 30 * time.Second

// tokenGroup is the per-token webhook pipeline: one transport, one routing
// client, and the repositories sharing the token.
type tokenGroup struct {
	token     string
	repos     []config.Repository
	router    *webhook.Router
	transport webhook.Transport
}

// Worker is the long-running edge process.
type Worker struct {
	cfg        *config.Config
	configPath string
	runner     assistant.Runner

	stores *session.Stores
	index  *session.Index
	dedup  *webhook.Deduplicator
	shared *tracker.SharedSet
	orch   *orchestrator.Orchestrator
	mcp    *mcpserver.Server

	server    *http.Server
	webhooks  *webhookMux
	telemetry *telemetry.Provider

	mu     sync.Mutex
	groups map[string]*tokenGroup // token → pipeline

	trackerBaseURL string // test override
}

// Option configures a Worker.
type Option func(*Worker)

// WithRunner overrides the assistant runner (tests).
func WithRunner(r assistant.Runner) Option {
	return func(w *Worker) { w.runner = r }
}

// WithTrackerBaseURL points tracker clients at a non-default API host.
func WithTrackerBaseURL(u string) Option {
	return func(w *Worker) { w.trackerBaseURL = u }
}

// NewWorker builds the worker from loaded configuration.
func NewWorker(cfg *config.Config, configPath string, opts ...Option) (*Worker, error) {
	w := &Worker{
		cfg:        cfg,
		configPath: configPath,
		runner:     assistant.NewCLIRunner(""),
		index:      session.NewIndex(),
		dedup:      webhook.NewDeduplicator(),
		shared:     tracker.NewSharedSet(),
		webhooks:   newWebhookMux(),
		groups:     make(map[string]*tokenGroup),
	}
	for _, o := range opts {
		o(w)
	}

	persister, err := newPersister(cfg)
	if err != nil {
		return nil, err
	}
	w.stores = session.NewStores(persister)

	serverURL := fmt.Sprintf("http://%s", net.JoinHostPort(hostOrLoopback(cfg.Server.Host), strconv.Itoa(cfg.Server.Port)))

	registry := procedure.NewRegistry()
	var classifier procedure.Classifier
	if cfg.Classifier.Endpoint != "" {
		classifier = procedure.NewLLMClassifier(cfg.Classifier)
	}
	timeout := time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second
	router := procedure.NewRouter(registry, classifier, timeout, cfg.ControlMode)

	w.orch = orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Stores:     w.stores,
		Index:      w.index,
		Router:     router,
		Runner:     w.runner,
		Renderer:   prompt.NewRenderer(""),
		Workspaces: orchestrator.NewWorktreeManager(cfg.CyrusHome),
		ServerURL:  serverURL,
	})
	w.mcp = mcpserver.New(w.orch)
	return w, nil
}

func newPersister(cfg *config.Config) (session.Persister, error) {
	switch cfg.Persistence.Backend {
	case "", "file":
		return session.NewFilePersister(cfg.StateDir())
	case "sqlite":
		return session.NewSQLitePersister(cfg.StateDir())
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}
}

func hostOrLoopback(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

// Run starts everything and blocks until ctx is cancelled, then shuts down
// gracefully with a hard cap.
func (w *Worker) Run(ctx context.Context) error {
	var err error
	w.telemetry, err = telemetry.Setup(ctx, w.cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without traces", "error", err)
		w.telemetry = &telemetry.Provider{}
	}

	if err := w.stores.Load(); err != nil {
		return fmt.Errorf("restore session state: %w", err)
	}

	w.index.Start(ctx)
	w.dedup.Start(ctx)
	w.shared.Start(ctx)
	w.orch.Start(ctx)

	if err := w.startServer(); err != nil {
		return err
	}

	w.applyRepositories(ctx, w.cfg.GetRepositories(), config.RepositoryDiff{})

	watcher := config.NewWatcher(w.configPath, w.cfg.GetRepositories(), func(repos []config.Repository, diff config.RepositoryDiff) {
		w.applyRepositories(ctx, repos, diff)
	})
	go watcher.Run(ctx)

	slog.Info("edge worker running",
		"repositories", len(w.cfg.GetRepositories()),
		"direct_webhooks", w.cfg.UseDirectWebhooks,
	)

	<-ctx.Done()
	w.gracefulShutdown()
	return nil
}

func (w *Worker) startServer() error {
	mux := http.NewServeMux()
	mux.Handle("/webhook/", w.webhooks)
	mux.Handle("/mcp", w.mcp.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})

	addr := net.JoinHostPort(w.cfg.Server.Host, strconv.Itoa(w.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	w.server = &http.Server{Handler: mux}

	go func() {
		slog.Info("app server listening", "addr", listener.Addr().String())
		if err := w.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("app server failed", "error", err)
		}
	}()
	return nil
}

// gracefulShutdown tears the worker down in dependency order, capped so a
// hung assistant or connection cannot block exit.
func (w *Worker) gracefulShutdown() {
	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownCap)
	defer cancel()

	w.mu.Lock()
	groups := make([]*tokenGroup, 0, len(w.groups))
	for _, g := range w.groups {
		groups = append(groups, g)
	}
	w.mu.Unlock()
	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(func() error { return g.transport.Stop(ctx) })
	}
	if err := eg.Wait(); err != nil {
		slog.Warn("transport stop failed", "error", err)
	}

	w.orch.Shutdown(ctx)
	w.dedup.Shutdown()
	w.index.Shutdown()
	w.shared.Shutdown()

	if err := w.mcp.Shutdown(ctx); err != nil {
		slog.Debug("mcp shutdown", "error", err)
	}
	if w.server != nil {
		if err := w.server.Shutdown(ctx); err != nil {
			slog.Warn("app server shutdown failed", "error", err)
		}
	}

	w.stores.Flush()
	if err := w.telemetry.Shutdown(ctx); err != nil {
		slog.Debug("telemetry shutdown", "error", err)
	}
	slog.Info("shutdown complete")
}

// tokenKey is the stable, loggable identifier for a token (also the direct
// webhook path segment).
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

// webhookMux routes direct webhook POSTs to the per-token transport by path:
// /webhook/<tokenKey>.
type webhookMux struct {
	mu       sync.RWMutex
	handlers map[string]http.Handler
}

func newWebhookMux() *webhookMux {
	return &webhookMux{handlers: make(map[string]http.Handler)}
}

func (m *webhookMux) set(key string, h http.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[key] = h
}

func (m *webhookMux) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, key)
}

func (m *webhookMux) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[len("/webhook/"):]
	m.mu.RLock()
	h, ok := m.handlers[key]
	m.mu.RUnlock()
	if !ok {
		http.NotFound(rw, r)
		return
	}
	h.ServeHTTP(rw, r)
}
