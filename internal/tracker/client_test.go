package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL)}, opts...)
	return NewClient("test-token", NewShared(), opts...), srv
}

func TestClient_GetIssue(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/issues/issue-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Issue{ID: "issue-1", Identifier: "ENG-42", Title: "Crash on save"})
	}))

	issue, err := client.GetIssue(context.Background(), "issue-1")
	if err != nil {
		t.Fatal(err)
	}
	if issue.Identifier != "ENG-42" {
		t.Errorf("identifier = %q", issue.Identifier)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestRetryJitter(t *testing.T) {
	for range 200 {
		got := retryJitter(retryBaseDelay)
		if got < retryBaseDelay || got > 2*retryBaseDelay {
			t.Fatalf("retryJitter(%v) = %v, want within [%v, %v]",
				retryBaseDelay, got, retryBaseDelay, 2*retryBaseDelay)
		}
	}
	if retryJitter(time.Second) < time.Second {
		t.Error("jitter must never shorten the base delay")
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Issue{ID: "issue-1"})
	}))

	issue, err := client.GetIssue(context.Background(), "issue-1")
	if err != nil {
		t.Fatal(err)
	}
	if issue.ID != "issue-1" {
		t.Errorf("issue = %+v", issue)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server called %d times, want 3", got)
	}
}

func TestClient_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.GetIssue(context.Background(), "issue-1")
	if err == nil {
		t.Fatal("expected error")
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("err = %T %v, want TransientError", err, err)
	}
	if got := calls.Load(); got != retryAttempts {
		t.Errorf("server called %d times, want %d", got, retryAttempts)
	}
}

func TestClient_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.GetIssue(context.Background(), "issue-1")
	if !IsAuthError(err) {
		t.Fatalf("err = %T %v, want AuthError", err, err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("auth failure retried %d times, want 1 call", got)
	}
}

func TestClient_GetCache(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(Issue{ID: "issue-1"})
	}))

	for range 3 {
		if _, err := client.GetIssue(context.Background(), "issue-1"); err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server called %d times, want 1 (cached)", got)
	}
}

func TestClient_CreateCommentInvalidatesCacheAndRegisters(t *testing.T) {
	var getCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /issues/issue-1/comments", func(w http.ResponseWriter, r *http.Request) {
		getCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"comments": []Comment{}})
	})
	mux.HandleFunc("POST /comments", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(Comment{
			ID: "c-new", IssueID: req["issueId"], Body: req["body"], ParentID: req["parentId"],
			User: &User{ID: "bot-user"},
		})
	})

	var registered Comment
	client, _ := newTestClient(t, mux, WithBotCommentHook(func(c Comment) { registered = c }))

	ctx := context.Background()
	if _, err := client.ListComments(ctx, "issue-1"); err != nil {
		t.Fatal(err)
	}

	comment, err := client.CreateComment(ctx, "issue-1", "done", "c-parent")
	if err != nil {
		t.Fatal(err)
	}
	if comment.ID != "c-new" || comment.ParentID != "c-parent" {
		t.Errorf("comment = %+v", comment)
	}
	if registered.ID != "c-new" {
		t.Error("bot comment hook not invoked")
	}

	// Cache for the issue's GETs must be invalidated by the write.
	if _, err := client.ListComments(ctx, "issue-1"); err != nil {
		t.Fatal(err)
	}
	if got := getCalls.Load(); got != 2 {
		t.Errorf("comment list fetched %d times, want 2 after invalidation", got)
	}
}

func TestClient_AddReaction(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/comments/c-1/reactions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Reaction{ID: "r-1", CommentID: "c-1"})
	}))

	id, err := client.AddReaction(context.Background(), "c-1", "hourglass_flowing_sand")
	if err != nil {
		t.Fatal(err)
	}
	if id != "r-1" {
		t.Errorf("reaction id = %q", id)
	}
}

func TestSharedSet_ForReusesPerToken(t *testing.T) {
	set := NewSharedSet()
	a := set.For("tok-1")
	b := set.For("tok-1")
	if a != b {
		t.Error("same token must share resources")
	}
	if set.For("tok-2") == a {
		t.Error("distinct tokens must not share resources")
	}

	set.Drop("tok-1")
	if set.For("tok-1") == a {
		t.Error("Drop must discard the instance")
	}
}
