package edge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/cyrus/internal/config"
	"github.com/nextlevelbuilder/cyrus/internal/tracker"
	"github.com/nextlevelbuilder/cyrus/internal/webhook"
)

const transportStopTimeout = 10 * time.Second

// applyRepositories reconciles the running pipelines with the desired
// repository set: per-repo tracker clients and orchestrator bindings, plus
// one transport per distinct token. Initial startup passes an empty diff.
func (w *Worker) applyRepositories(ctx context.Context, repos []config.Repository, diff config.RepositoryDiff) {
	w.cfg.SetRepositories(repos)

	for _, removed := range diff.Removed {
		w.orch.RemoveRepository(ctx, removed.ID)
	}

	for _, repo := range repos {
		if !repo.IsActive {
			slog.Debug("repository inactive, keeping existing sessions", "repository", repo.ID)
		}
		w.orch.UpsertRepository(repo, w.newTrackerClient(repo.Token()))
	}

	w.reconcileTransports(ctx, repos)
}

// newTrackerClient builds a client that registers every comment it posts in
// the bot-provenance index before the echo webhook can arrive.
func (w *Worker) newTrackerClient(token string) *tracker.Client {
	opts := []tracker.Option{
		tracker.WithBotCommentHook(func(c tracker.Comment) {
			userID := ""
			if c.User != nil {
				userID = c.User.ID
			}
			w.index.RegisterBotComment(c.ID, userID)
		}),
	}
	if w.trackerBaseURL != "" {
		opts = append(opts, tracker.WithBaseURL(w.trackerBaseURL))
	}
	return tracker.NewClient(token, w.shared.For(token), opts...)
}

// reconcileTransports starts transports for new tokens, updates repo lists
// for kept tokens, and tears down transports whose token lost its last
// repository.
func (w *Worker) reconcileTransports(ctx context.Context, repos []config.Repository) {
	byToken := make(map[string][]config.Repository)
	for _, repo := range repos {
		token := repo.Token()
		if token == "" {
			slog.Warn("repository has no tracker token, skipping webhook delivery", "repository", repo.ID)
			continue
		}
		byToken[token] = append(byToken[token], repo)
	}

	w.mu.Lock()
	var toStop []*tokenGroup
	for token, group := range w.groups {
		if _, keep := byToken[token]; !keep {
			toStop = append(toStop, group)
			delete(w.groups, token)
		}
	}
	var toStart []*tokenGroup
	for token, tokenRepos := range byToken {
		if group, ok := w.groups[token]; ok {
			group.repos = tokenRepos
			continue
		}
		group := &tokenGroup{
			token:  token,
			repos:  tokenRepos,
			router: webhook.NewRouter(w.newTrackerClient(token)),
		}
		group.transport = w.newTransport(token, w.makeHandler(group))
		w.groups[token] = group
		toStart = append(toStart, group)
	}
	w.mu.Unlock()

	for _, group := range toStop {
		stopCtx, cancel := context.WithTimeout(context.Background(), transportStopTimeout)
		if err := group.transport.Stop(stopCtx); err != nil {
			slog.Warn("transport stop failed", "token", tokenKey(group.token), "error", err)
		}
		cancel()
		w.webhooks.remove(tokenKey(group.token))
		w.shared.Drop(group.token)
		slog.Info("transport removed", "token", tokenKey(group.token))
	}
	for _, group := range toStart {
		if err := group.transport.Start(ctx); err != nil {
			slog.Error("transport start failed", "token", tokenKey(group.token), "error", err)
			continue
		}
		slog.Info("transport started",
			"token", tokenKey(group.token), "repositories", len(group.repos))
	}
}

// newTransport builds the webhook transport for a token: a proxy websocket
// by default, or a direct HTTP endpoint when configured.
func (w *Worker) newTransport(token string, handler webhook.Handler) webhook.Transport {
	if w.cfg.UseDirectWebhooks {
		direct := webhook.NewDirectTransport(w.cfg.Server.WebhookSecret, handler)
		w.webhooks.set(tokenKey(token), direct)
		if w.cfg.BaseURL != "" {
			slog.Info("direct webhook endpoint",
				"token", tokenKey(token), "url", w.cfg.BaseURL+"/webhook/"+tokenKey(token))
		}
		return direct
	}
	return webhook.NewProxyTransport(w.cfg.ProxyURL, token, handler)
}

// makeHandler is the per-token delivery path: dedup, route, dispatch.
func (w *Worker) makeHandler(group *tokenGroup) webhook.Handler {
	return func(ctx context.Context, ev webhook.Event) {
		if w.cfg.IsWebhookDebugMode {
			slog.Info("webhook received", "event", fmt.Sprintf("%T", ev), "fingerprint", ev.Fingerprint())
		}
		if w.dedup.IsDuplicate(ev.Fingerprint()) {
			slog.Debug("duplicate webhook dropped", "fingerprint", ev.Fingerprint())
			return
		}

		issue, orgID := eventSubject(ev)
		if issue == nil {
			slog.Warn("webhook without a routable issue", "fingerprint", ev.Fingerprint())
			return
		}

		w.mu.Lock()
		repos := make([]config.Repository, len(group.repos))
		copy(repos, group.repos)
		w.mu.Unlock()

		repo := group.router.Route(ctx, issue, orgID, repos)
		if repo == nil {
			slog.Warn("no repository for webhook", "issue", issue.ID, "fingerprint", ev.Fingerprint())
			return
		}
		w.orch.HandleEvent(repo.ID, ev)
	}
}

// eventSubject extracts the issue reference and organization id used for
// routing.
func eventSubject(ev webhook.Event) (*tracker.Issue, string) {
	switch ev := ev.(type) {
	case webhook.SessionCreated:
		return &tracker.Issue{ID: ev.IssueID}, ev.OrganizationID
	case webhook.SessionPrompted:
		return &tracker.Issue{ID: ev.IssueID}, ev.OrganizationID
	case webhook.IssueAssigned:
		issue := ev.Issue
		return &issue, ev.OrganizationID
	case webhook.IssueUnassigned:
		return &tracker.Issue{ID: ev.IssueID}, ev.OrganizationID
	case webhook.IssueEdited:
		issue := ev.Issue
		return &issue, ev.OrganizationID
	case webhook.CommentCreated:
		return &tracker.Issue{ID: ev.Comment.IssueID}, ev.OrganizationID
	default:
		return nil, ""
	}
}
