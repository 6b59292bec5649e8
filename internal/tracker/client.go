package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.tracker.example.com/v1"

	retryAttempts   = 3
	retryBaseDelay  = 500 * time.Millisecond
	requestTimeout  = 30 * time.Second
	maxErrorBodyLen = 512
)

// BotCommentHook is invoked after a successful createComment so the session
// index can register the comment (and its author) as bot-authored before the
// echo webhook arrives.
type BotCommentHook func(comment Comment)

// Client is an authenticated tracker API client for one token.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	shared  *Shared

	onBotComment BotCommentHook
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests, self-hosted trackers).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithBotCommentHook installs the bot-provenance registration hook.
func WithBotCommentHook(hook BotCommentHook) Option {
	return func(c *Client) { c.onBotComment = hook }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// NewClient creates a tracker client. shared must be the per-token Shared
// instance so rate limiting and caching span repositories.
func NewClient(token string, shared *Shared, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		token:   token,
		httpc:   &http.Client{Timeout: requestTimeout},
		shared:  shared,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetIssue fetches a full issue by id.
func (c *Client) GetIssue(ctx context.Context, id string) (*Issue, error) {
	var issue Issue
	if err := c.getJSON(ctx, "/issues/"+url.PathEscape(id), &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// ListComments returns all comments on an issue, oldest first.
func (c *Client) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	var out struct {
		Comments []Comment `json:"comments"`
	}
	if err := c.getJSON(ctx, "/issues/"+url.PathEscape(issueID)+"/comments", &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

// GetComment fetches a single comment by id.
func (c *Client) GetComment(ctx context.Context, id string) (*Comment, error) {
	var comment Comment
	if err := c.getJSON(ctx, "/comments/"+url.PathEscape(id), &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// CreateComment posts a comment on an issue. parentID may be empty for a
// top-level comment. The resulting comment is registered as bot-authored.
func (c *Client) CreateComment(ctx context.Context, issueID, body, parentID string) (*Comment, error) {
	payload := map[string]string{"issueId": issueID, "body": body}
	if parentID != "" {
		payload["parentId"] = parentID
	}
	var comment Comment
	if err := c.do(ctx, http.MethodPost, "/comments", payload, &comment); err != nil {
		return nil, err
	}
	c.shared.cache.invalidatePrefix("/issues/" + url.PathEscape(issueID))
	if c.onBotComment != nil {
		c.onBotComment(comment)
	}
	return &comment, nil
}

// CreateAgentActivity posts a thought or response into an agent session.
func (c *Client) CreateAgentActivity(ctx context.Context, sessionID string, activity Activity) error {
	path := "/agent-sessions/" + url.PathEscape(sessionID) + "/activities"
	return c.do(ctx, http.MethodPost, path, activity, nil)
}

// AddReaction adds an emoji reaction to a comment and returns the reaction id.
func (c *Client) AddReaction(ctx context.Context, commentID, emoji string) (string, error) {
	payload := map[string]string{"emoji": emoji}
	var reaction Reaction
	path := "/comments/" + url.PathEscape(commentID) + "/reactions"
	if err := c.do(ctx, http.MethodPost, path, payload, &reaction); err != nil {
		return "", err
	}
	return reaction.ID, nil
}

// DeleteReaction removes a previously added reaction.
func (c *Client) DeleteReaction(ctx context.Context, reactionID string) error {
	return c.do(ctx, http.MethodDelete, "/reactions/"+url.PathEscape(reactionID), nil, nil)
}

// ListTeams returns the workspace's teams.
func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	var out struct {
		Teams []Team `json:"teams"`
	}
	if err := c.getJSON(ctx, "/teams", &out); err != nil {
		return nil, err
	}
	return out.Teams, nil
}

// ListLabels returns the workspace's labels.
func (c *Client) ListLabels(ctx context.Context) ([]Label, error) {
	var out struct {
		Labels []Label `json:"labels"`
	}
	if err := c.getJSON(ctx, "/labels", &out); err != nil {
		return nil, err
	}
	return out.Labels, nil
}

// ListWorkflowStates returns a team's workflow states.
func (c *Client) ListWorkflowStates(ctx context.Context, teamID string) ([]WorkflowState, error) {
	var out struct {
		States []WorkflowState `json:"states"`
	}
	if err := c.getJSON(ctx, "/teams/"+url.PathEscape(teamID)+"/states", &out); err != nil {
		return nil, err
	}
	return out.States, nil
}

// UpdateIssue applies a partial update to an issue.
func (c *Client) UpdateIssue(ctx context.Context, id string, patch IssuePatch) error {
	if err := c.do(ctx, http.MethodPatch, "/issues/"+url.PathEscape(id), patch, nil); err != nil {
		return err
	}
	c.shared.cache.invalidatePrefix("/issues/" + url.PathEscape(id))
	return nil
}

// getJSON serves GETs through the response cache.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if body, ok := c.shared.cache.get(path); ok {
		return json.Unmarshal(body, out)
	}
	body, err := c.doRaw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	c.shared.cache.put(path, body)
	return json.Unmarshal(body, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	body, err := c.doRaw(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// doRaw runs one API call through the rate limiter and the retry loop.
func (c *Client) doRaw(ctx context.Context, method, path string, in any) ([]byte, error) {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	delay := retryBaseDelay

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err := c.shared.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, retryable, err := c.once(ctx, method, path, payload)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err

		if attempt < retryAttempts {
			jittered := retryJitter(delay)
			slog.Debug("tracker retry",
				"method", method, "path", path,
				"attempt", attempt, "delay", jittered, "error", err,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered):
			}
			delay *= 2
		}
	}

	return nil, &TransientError{Attempts: retryAttempts, Err: lastErr}
}

// retryJitter spreads a backoff delay upward over [d, 2d], so the first
// retry waits between 500ms and 1s.
func retryJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)+1))
}

// once performs a single HTTP round trip. The bool result reports whether
// the failure is retryable.
func (c *Client) once(ctx context.Context, method, path string, payload []byte) ([]byte, bool, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		// Transient network failure.
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, &AuthError{StatusCode: resp.StatusCode, Body: truncate(string(body), maxErrorBodyLen)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("tracker status %d: %s", resp.StatusCode, truncate(string(body), maxErrorBodyLen))
	default:
		return nil, false, fmt.Errorf("tracker status %d: %s", resp.StatusCode, truncate(string(body), maxErrorBodyLen))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
