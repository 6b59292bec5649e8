// Package orchestrator is the heart of the worker: it turns routed webhook
// events into agent-session state transitions, drives the procedure through
// its subroutines, supervises the assistant, and posts activity back to the
// tracker.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/cyrus/internal/assistant"
	"github.com/nextlevelbuilder/cyrus/internal/config"
	"github.com/nextlevelbuilder/cyrus/internal/procedure"
	"github.com/nextlevelbuilder/cyrus/internal/prompt"
	"github.com/nextlevelbuilder/cyrus/internal/session"
	"github.com/nextlevelbuilder/cyrus/internal/telemetry"
	"github.com/nextlevelbuilder/cyrus/internal/tracker"
	"github.com/nextlevelbuilder/cyrus/internal/webhook"
	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

// repoHandle binds a repository record to its tracker client.
type repoHandle struct {
	repo    config.Repository
	tracker *tracker.Client
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config     *config.Config
	Stores     *session.Stores
	Index      *session.Index
	Router     *procedure.Router
	Runner     assistant.Runner
	Renderer   *prompt.Renderer
	Workspaces WorkspaceManager
	// ServerURL is the local app server base URL for the in-process MCP
	// server ("http://127.0.0.1:3456").
	ServerURL string
}

// Orchestrator serializes all work per agent session and owns every
// session's assistant lifecycle.
type Orchestrator struct {
	cfg         *config.Config
	stores      *session.Stores
	index       *session.Index
	router      *procedure.Router
	runner      assistant.Runner
	renderer    *prompt.Renderer
	workspaces  WorkspaceManager
	unresponded *Unresponded
	serverURL   string
	tracer      trace.Tracer

	mu     sync.Mutex
	repos  map[string]*repoHandle
	queues map[string]chan func(context.Context)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

// New builds the orchestrator.
func New(opts Options) *Orchestrator {
	timeout := time.Duration(opts.Config.UnrespondedTimeoutMinutes) * time.Minute
	return &Orchestrator{
		cfg:         opts.Config,
		stores:      opts.Stores,
		index:       opts.Index,
		router:      opts.Router,
		runner:      opts.Runner,
		renderer:    opts.Renderer,
		workspaces:  opts.Workspaces,
		unresponded: NewUnresponded(timeout),
		serverURL:   opts.ServerURL,
		tracer:      telemetry.Tracer("orchestrator"),
		repos:       make(map[string]*repoHandle),
		queues:      make(map[string]chan func(context.Context)),
	}
}

// Start launches background trackers. ctx bounds every queued task.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.unresponded.Start(o.ctx)
}

// Shutdown stops every assistant and drains the task queues.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.shutdown = true
	o.mu.Unlock()

	o.stopAllAssistants()

	// Queue sends happen under the mutex, so once the shutdown flag is
	// visible no producer can reach a closed channel.
	o.mu.Lock()
	for _, q := range o.queues {
		close(q)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("orchestrator shutdown timed out with tasks in flight")
	}

	o.unresponded.Shutdown()
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) stopAllAssistants() {
	for _, repoID := range o.stores.RepoIDs() {
		store := o.stores.For(repoID)
		for _, id := range store.IDs() {
			if handle := store.Assistant(id); handle != nil {
				handle.Stop()
			}
		}
	}
}

// UpsertRepository registers or replaces a repository binding.
func (o *Orchestrator) UpsertRepository(repo config.Repository, client *tracker.Client) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.repos[repo.ID] = &repoHandle{repo: repo, tracker: client}
}

// RemoveRepository stops the repository's assistants, tells each affected
// agent session why, and drops the session namespace.
func (o *Orchestrator) RemoveRepository(ctx context.Context, repoID string) {
	o.mu.Lock()
	h := o.repos[repoID]
	delete(o.repos, repoID)
	o.mu.Unlock()
	if h == nil {
		return
	}

	store := o.stores.For(repoID)
	for _, id := range store.IDs() {
		if handle := store.Assistant(id); handle != nil {
			handle.Stop()
		}
		sess := store.Get(id)
		if sess != nil && (sess.Status == session.StatusActive || sess.Status == session.StatusPending) {
			activity := tracker.Activity{
				Type: protocol.ActivityResponse,
				Body: "This repository was removed from the worker's configuration; the session has been stopped.",
			}
			if err := h.tracker.CreateAgentActivity(ctx, id, activity); err != nil {
				slog.Warn("repository removal notice failed", "session", id, "error", err)
			}
		}
	}
	o.stores.Remove(repoID)
	slog.Info("repository removed", "repository", repoID)
}

func (o *Orchestrator) handle(repoID string) *repoHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.repos[repoID]
}

// enqueue submits a task to the per-key serial queue. Keys are session ids
// for session events and issue ids for issue-level events, so everything
// touching one session applies in arrival order.
func (o *Orchestrator) enqueue(key string, fn func(context.Context)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.shutdown {
		return
	}
	q, ok := o.queues[key]
	if !ok {
		q = make(chan func(context.Context), 32)
		o.queues[key] = q
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for task := range q {
				task(o.ctx)
			}
		}()
	}

	// The buffered send stays inside the critical section so it cannot race
	// the close in Shutdown.
	select {
	case q <- fn:
	default:
		slog.Warn("session task queue full, dropping event", "key", key)
	}
}

// HandleEvent dispatches one routed webhook event for a repository. Each
// handler runs under a span so event processing shows up in traces.
func (o *Orchestrator) HandleEvent(repoID string, ev webhook.Event) {
	h := o.handle(repoID)
	if h == nil {
		slog.Warn("event for unknown repository", "repository", repoID)
		return
	}

	switch ev := ev.(type) {
	case webhook.SessionCreated:
		o.enqueue(ev.SessionID, o.traced("session.created", repoID, func(ctx context.Context) { o.handleSessionCreated(ctx, h, ev) }))
	case webhook.SessionPrompted:
		o.enqueue(ev.SessionID, o.traced("session.prompted", repoID, func(ctx context.Context) { o.handleSessionPrompted(ctx, h, ev) }))
	case webhook.IssueAssigned:
		o.enqueue(ev.Issue.ID, o.traced("issue.assigned", repoID, func(ctx context.Context) { o.handleIssueAssigned(ctx, h, ev) }))
	case webhook.IssueUnassigned:
		o.enqueue(ev.IssueID, o.traced("issue.unassigned", repoID, func(ctx context.Context) { o.handleIssueUnassigned(ctx, h, ev) }))
	case webhook.IssueEdited:
		o.enqueue(ev.Issue.ID, o.traced("issue.edited", repoID, func(ctx context.Context) { o.handleIssueEdited(ctx, h, ev) }))
	case webhook.CommentCreated:
		o.enqueue(ev.Comment.IssueID, o.traced("comment.created", repoID, func(ctx context.Context) { o.handleCommentCreated(ctx, h, ev) }))
	default:
		slog.Warn("unhandled event variant", "fingerprint", ev.Fingerprint())
	}
}

// traced wraps a queued task in a span tagged with the repository.
func (o *Orchestrator) traced(name, repoID string, fn func(context.Context)) func(context.Context) {
	return func(ctx context.Context) {
		ctx, span := o.tracer.Start(ctx, name,
			trace.WithAttributes(attribute.String("repository.id", repoID)))
		defer span.End()
		fn(ctx)
	}
}
