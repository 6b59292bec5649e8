package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nextlevelbuilder/cyrus/internal/assistant"
	"github.com/nextlevelbuilder/cyrus/internal/config"
	"github.com/nextlevelbuilder/cyrus/internal/procedure"
	"github.com/nextlevelbuilder/cyrus/internal/prompt"
	"github.com/nextlevelbuilder/cyrus/internal/session"
	"github.com/nextlevelbuilder/cyrus/internal/tracker"
	"github.com/nextlevelbuilder/cyrus/internal/webhook"
	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

// stubProc is a scripted assistant process for flow tests.
type stubProc struct {
	mu       sync.Mutex
	sent     []string
	stopped  bool
	messages chan assistant.StreamMessage
	done     chan struct{}
}

func newStubProc() *stubProc {
	return &stubProc{
		messages: make(chan assistant.StreamMessage, 16),
		done:     make(chan struct{}),
	}
}

func (p *stubProc) Send(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fmt.Errorf("assistant process stopped")
	}
	p.sent = append(p.sent, text)
	return nil
}

func (p *stubProc) Messages() <-chan assistant.StreamMessage { return p.messages }

func (p *stubProc) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.messages)
	close(p.done)
}

func (p *stubProc) Wait() error {
	<-p.done
	return nil
}

func (p *stubProc) sentMessages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}

// stubRunner hands out one stubProc per start and records the options.
type stubRunner struct {
	mu      sync.Mutex
	opts    []assistant.RunOptions
	started chan *stubProc
}

func newStubRunner() *stubRunner {
	return &stubRunner{started: make(chan *stubProc, 8)}
}

func (r *stubRunner) Start(ctx context.Context, opts assistant.RunOptions) (assistant.Process, error) {
	p := newStubProc()
	r.mu.Lock()
	r.opts = append(r.opts, opts)
	r.mu.Unlock()
	r.started <- p
	return p, nil
}

func (r *stubRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opts)
}

func (r *stubRunner) lastOpts() assistant.RunOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts[len(r.opts)-1]
}

func (r *stubRunner) waitStart(t *testing.T) *stubProc {
	t.Helper()
	select {
	case p := <-r.started:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("assistant never started")
		return nil
	}
}

// stubHandle is a live-assistant stand-in for sessions seeded directly.
type stubHandle struct {
	mu        sync.Mutex
	stopped   bool
	streaming bool
	msgs      []string
}

func (h *stubHandle) IsStreaming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streaming
}

func (h *stubHandle) AddStreamMessage(ctx context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, text)
	return nil
}

func (h *stubHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

func (h *stubHandle) wasStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type stubWorkspaces struct{}

func (stubWorkspaces) Ensure(ctx context.Context, repo config.Repository, issue tracker.Issue) (session.Workspace, error) {
	return session.Workspace{Path: "/tmp/stub-ws"}, nil
}

type fixture struct {
	o      *Orchestrator
	runner *stubRunner
	repo   config.Repository
	h      *repoHandle
	mux    *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	repo := config.Repository{
		ID:             "repo-1",
		Name:           "api",
		RepositoryPath: "/nonexistent",
		BaseBranch:     "main",
		IsActive:       true,
	}
	client := tracker.NewClient("tok", tracker.NewShared(), tracker.WithBaseURL(srv.URL))

	runner := newStubRunner()
	o := New(Options{
		Config:     &config.Config{CyrusHome: t.TempDir()},
		Stores:     session.NewStores(nil),
		Index:      session.NewIndex(),
		Router:     procedure.NewRouter(procedure.NewRegistry(), nil, time.Second, false),
		Runner:     runner,
		Renderer:   prompt.NewRenderer(""),
		Workspaces: stubWorkspaces{},
		ServerURL:  "http://127.0.0.1:0",
	})
	o.UpsertRepository(repo, client)

	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(func() {
		shctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		o.Shutdown(shctx)
		done()
		cancel()
	})
	return &fixture{o: o, runner: runner, repo: repo, h: o.handle(repo.ID), mux: mux}
}

func TestShouldRespondToComment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.o.index.RegisterBotComment("our-comment", "u-bot")
	f.mux.HandleFunc("GET /comments/human-parent", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tracker.Comment{ID: "human-parent"})
	})
	f.mux.HandleFunc("GET /comments/remote-bot-parent", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tracker.Comment{ID: "remote-bot-parent", BotActor: true})
	})

	tests := []struct {
		name    string
		comment tracker.Comment
		mention bool
		want    bool
	}{
		{"bot actor never answered", tracker.Comment{ID: "c-1", Body: "@cyrus hi", BotActor: true}, false, false},
		{"own recent comment echo", tracker.Comment{ID: "our-comment", Body: "@cyrus status"}, false, false},
		{"known bot user", tracker.Comment{ID: "c-2", Body: "@cyrus go", User: &tracker.User{ID: "u-bot"}}, false, false},
		{"flagged bot user", tracker.Comment{ID: "c-3", Body: "@cyrus go", User: &tracker.User{ID: "u-x", IsBot: true}}, false, false},
		{"body mention", tracker.Comment{ID: "c-4", Body: "@cyrus please look"}, false, true},
		{"notification mention", tracker.Comment{ID: "c-5", Body: "plain text"}, true, true},
		{"reply to our comment", tracker.Comment{ID: "c-6", Body: "thanks", ParentID: "our-comment"}, false, true},
		{"reply to bot via tracker", tracker.Comment{ID: "c-7", Body: "and then?", ParentID: "remote-bot-parent"}, false, true},
		{"reply to a human", tracker.Comment{ID: "c-8", Body: "agreed", ParentID: "human-parent"}, false, false},
		{"plain top-level comment", tracker.Comment{ID: "c-9", Body: "unrelated chatter"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.o.shouldRespondToComment(ctx, f.h, tt.comment, tt.mention); got != tt.want {
				t.Errorf("shouldRespondToComment(%s) = %v, want %v", tt.comment.ID, got, tt.want)
			}
		})
	}
}

func TestHandleSessionPrompted_StopSignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var activities []tracker.Activity
	f.mux.HandleFunc("POST /agent-sessions/s-1/activities", func(w http.ResponseWriter, r *http.Request) {
		var act tracker.Activity
		json.NewDecoder(r.Body).Decode(&act)
		mu.Lock()
		activities = append(activities, act)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	store := f.o.stores.For(f.repo.ID)
	store.Upsert(&session.AgentSession{ID: "s-1", IssueID: "i-1", Status: session.StatusActive})
	handle := &stubHandle{streaming: true}
	store.SetAssistant("s-1", handle)

	f.o.handleSessionPrompted(ctx, f.h, webhook.SessionPrompted{
		SessionID: "s-1",
		IssueID:   "i-1",
		Body:      "please stop the deploy",
		Signal:    protocol.SignalStop,
	})

	if !handle.wasStopped() {
		t.Error("assistant not stopped on stop signal")
	}
	if got := store.Get("s-1").Status; got != session.StatusStopped {
		t.Errorf("status = %q, want %q", got, session.StatusStopped)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(activities) != 1 {
		t.Fatalf("activities posted = %d, want 1", len(activities))
	}
	if activities[0].Type != protocol.ActivityResponse {
		t.Errorf("activity type = %q", activities[0].Type)
	}
	if !strings.Contains(activities[0].Body, `"please stop the deploy"`) {
		t.Errorf("stop response does not quote the request: %q", activities[0].Body)
	}
}

func TestPostThreadReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var posted []map[string]string
	var deletedReactions, addedEmojis []string

	f.mux.HandleFunc("GET /comments/c-reply", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tracker.Comment{ID: "c-reply", ParentID: "c-root"})
	})
	f.mux.HandleFunc("GET /comments/c-root", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tracker.Comment{ID: "c-root"})
	})
	f.mux.HandleFunc("POST /comments", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		posted = append(posted, payload)
		mu.Unlock()
		json.NewEncoder(w).Encode(tracker.Comment{ID: "c-new"})
	})
	f.mux.HandleFunc("DELETE /reactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deletedReactions = append(deletedReactions, r.PathValue("id"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	f.mux.HandleFunc("POST /comments/c-reply/reactions", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		addedEmojis = append(addedEmojis, payload["emoji"])
		mu.Unlock()
		json.NewEncoder(w).Encode(tracker.Reaction{ID: "r-2"})
	})

	sess := &session.AgentSession{
		ID:      "s-2",
		IssueID: "i-1",
		Metadata: session.Metadata{
			ShouldReplyInThread: true,
			OriginalCommentID:   "c-reply",
		},
	}
	f.o.stores.For(f.repo.ID).Upsert(sess)
	f.o.index.SetReaction("c-reply", "r-1")

	f.o.postThreadReply(ctx, f.h, sess, "All done.")

	mu.Lock()
	if len(posted) != 1 {
		t.Fatalf("comments posted = %d, want 1", len(posted))
	}
	if posted[0]["parentId"] != "c-root" {
		t.Errorf("reply parent = %q, want thread root c-root", posted[0]["parentId"])
	}
	if posted[0]["body"] != "All done." {
		t.Errorf("reply body = %q", posted[0]["body"])
	}
	if len(deletedReactions) != 1 || deletedReactions[0] != "r-1" {
		t.Errorf("deleted reactions = %v, want [r-1]", deletedReactions)
	}
	if len(addedEmojis) != 1 || addedEmojis[0] != protocol.ReactionDone {
		t.Errorf("added emojis = %v, want [%s]", addedEmojis, protocol.ReactionDone)
	}
	mu.Unlock()

	// A replayed completion must not post twice.
	f.o.postThreadReply(ctx, f.h, sess, "All done.")
	mu.Lock()
	defer mu.Unlock()
	if len(posted) != 1 {
		t.Errorf("replay posted a duplicate reply, total = %d", len(posted))
	}
}

func TestPostThreadReply_FailedPostCanRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	fail := true
	postOK := 0
	f.mux.HandleFunc("GET /comments/c-a", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tracker.Comment{ID: "c-a"})
	})
	f.mux.HandleFunc("POST /comments", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		failing := fail
		if !failing {
			postOK++
		}
		mu.Unlock()
		if failing {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(tracker.Comment{ID: "c-new"})
	})
	f.mux.HandleFunc("POST /comments/c-a/reactions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tracker.Reaction{ID: "r-9"})
	})

	sess := &session.AgentSession{
		ID:      "s-9",
		IssueID: "i-1",
		Metadata: session.Metadata{
			ShouldReplyInThread: true,
			OriginalCommentID:   "c-a",
		},
	}
	f.o.stores.For(f.repo.ID).Upsert(sess)

	f.o.postThreadReply(ctx, f.h, sess, "Answer.")
	if f.o.index.ThreadReplyPosted("s-9") {
		t.Fatal("failed post must not burn the reply window")
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	f.o.postThreadReply(ctx, f.h, sess, "Answer.")
	if !f.o.index.ThreadReplyPosted("s-9") {
		t.Error("successful post not marked")
	}
	mu.Lock()
	defer mu.Unlock()
	if postOK != 1 {
		t.Errorf("successful posts = %d, want 1", postOK)
	}
}

func TestResumeParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var activityBodies []string
	f.mux.HandleFunc("POST /agent-sessions/parent-1/activities", func(w http.ResponseWriter, r *http.Request) {
		var act tracker.Activity
		json.NewDecoder(r.Body).Decode(&act)
		mu.Lock()
		activityBodies = append(activityBodies, act.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	store := f.o.stores.For(f.repo.ID)
	store.Upsert(&session.AgentSession{
		ID:        "parent-1",
		IssueID:   "i-1",
		Status:    session.StatusPending,
		Workspace: session.Workspace{Path: "/tmp/parent-ws"},
	})

	child := &session.AgentSession{
		ID:        "child-1",
		IssueID:   "i-1",
		Issue:     session.Issue{Identifier: "ENG-7"},
		Workspace: session.Workspace{Path: "/tmp/child-ws"},
	}
	f.o.index.LinkChild("child-1", "parent-1")

	f.o.resumeParent(ctx, "child-1", child, "child summary text")

	proc := f.runner.waitStart(t)
	opts := f.runner.lastOpts()
	found := false
	for _, dir := range opts.AllowedDirectories {
		if dir == "/tmp/child-ws" {
			found = true
		}
	}
	if !found {
		t.Errorf("child workspace missing from allowed directories: %v", opts.AllowedDirectories)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sent := proc.sentMessages()
		if len(sent) > 0 {
			if !strings.Contains(sent[0], "child summary text") {
				t.Errorf("initial prompt missing child summary: %q", sent[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initial prompt never sent")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	announced := false
	for _, body := range activityBodies {
		if strings.Contains(body, "ENG-7") {
			announced = true
		}
	}
	mu.Unlock()
	if !announced {
		t.Error("resumption activity does not name the child")
	}

	// The link is consumed: a replayed completion resumes nothing.
	f.o.resumeParent(ctx, "child-1", child, "again")
	if got := f.runner.startCount(); got != 1 {
		t.Errorf("starts after replay = %d, want 1", got)
	}
}

func TestHandleAssistantComplete_UnknownProcedure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	store := f.o.stores.For(f.repo.ID)
	store.Upsert(&session.AgentSession{
		ID:      "s-3",
		IssueID: "i-1",
		Status:  session.StatusActive,
		Metadata: session.Metadata{
			Procedure: &session.ProcedureState{Name: "legacy-flow", CurrentIndex: 4},
		},
	})

	f.o.handleAssistantComplete(ctx, f.h, "s-3", &assistant.StreamMessage{Type: "result", Result: "done"}, nil)

	sess := store.Get("s-3")
	if sess.Metadata.Procedure.Name != procedure.DefaultProcedure {
		t.Errorf("procedure = %q, want %q", sess.Metadata.Procedure.Name, procedure.DefaultProcedure)
	}
	if sess.Metadata.Procedure.CurrentIndex != 0 {
		t.Errorf("index = %d, want 0", sess.Metadata.Procedure.CurrentIndex)
	}
	if sess.Status != session.StatusCompleted {
		t.Errorf("status = %q, want %q", sess.Status, session.StatusCompleted)
	}
}

func TestEnqueue_ShutdownRace(t *testing.T) {
	o := New(Options{
		Config:   &config.Config{},
		Stores:   session.NewStores(nil),
		Index:    session.NewIndex(),
		Router:   procedure.NewRouter(procedure.NewRegistry(), nil, time.Second, false),
		Renderer: prompt.NewRenderer(""),
	})
	o.Start(context.Background())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; ; j++ {
				select {
				case <-stop:
					return
				default:
				}
				o.enqueue(fmt.Sprintf("key-%d-%d", n, j%4), func(context.Context) {})
			}
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	o.Shutdown(ctx)
	cancel()

	close(stop)
	wg.Wait()

	o.enqueue("late", func(context.Context) { t.Error("task ran after shutdown") })
}

func TestHandleEvent_Traced(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t)
	f.o.HandleEvent(f.repo.ID, webhook.IssueEdited{Issue: tracker.Issue{ID: "i-9"}})

	deadline := time.Now().Add(2 * time.Second)
	for len(sr.Ended()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no span recorded for the event handler")
		}
		time.Sleep(10 * time.Millisecond)
	}

	span := sr.Ended()[0]
	if span.Name() != "issue.edited" {
		t.Errorf("span name = %q, want issue.edited", span.Name())
	}
	foundRepo := false
	for _, attr := range span.Attributes() {
		if string(attr.Key) == "repository.id" && attr.Value.AsString() == f.repo.ID {
			foundRepo = true
		}
	}
	if !foundRepo {
		t.Error("span missing repository.id attribute")
	}
}
