package webhook

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/cyrus/internal/config"
	"github.com/nextlevelbuilder/cyrus/internal/tracker"
)

// IssueLookup is the slice of the tracker client the router needs.
type IssueLookup interface {
	GetIssue(ctx context.Context, id string) (*tracker.Issue, error)
}

// Router maps an inbound event to a single repository.
//
// Priority, first match wins:
//  1. label routing (per-issue override)
//  2. project routing
//  3. team routing
//  4. workspace catch-all (the repo in the workspace with no routing keys)
//  5. workspace fallback (first repo in the workspace)
type Router struct {
	lookup IssueLookup
}

// NewRouter creates a router that resolves issue details through lookup.
func NewRouter(lookup IssueLookup) *Router {
	return &Router{lookup: lookup}
}

// Route picks the repository for an issue among the repositories bound to
// the delivering token. Returns nil when nothing matches.
// issue may be partial (id only); labels and project are fetched on demand.
func (r *Router) Route(ctx context.Context, issue *tracker.Issue, orgID string, repos []config.Repository) *config.Repository {
	if issue == nil || len(repos) == 0 {
		return nil
	}

	full := issue
	needsDetail := len(issue.Labels) == 0 || issue.Project == nil || issue.Team == nil
	if needsDetail && r.lookup != nil {
		fetched, err := r.lookup.GetIssue(ctx, issue.ID)
		if err != nil {
			slog.Warn("router: issue lookup failed, routing on partial data",
				"issue", issue.ID, "error", err)
		} else {
			full = fetched
		}
	}

	// 1. Label routing.
	for i, repo := range repos {
		for _, routing := range repo.RoutingLabels {
			for _, label := range full.Labels {
				if strings.EqualFold(label.Name, routing) {
					slog.Debug("routed by label", "issue", full.Identifier, "repository", repo.ID, "label", label.Name)
					return &repos[i]
				}
			}
		}
	}

	// 2. Project routing.
	if full.Project != nil {
		for i, repo := range repos {
			for _, key := range repo.ProjectKeys {
				if strings.EqualFold(key, full.Project.Name) {
					slog.Debug("routed by project", "issue", full.Identifier, "repository", repo.ID, "project", full.Project.Name)
					return &repos[i]
				}
			}
		}
	}

	// 3. Team routing. Fall back to parsing "ENG-123" when team is absent.
	teamKey := ""
	if full.Team != nil {
		teamKey = full.Team.Key
	}
	if teamKey == "" {
		teamKey = identifierPrefix(full.Identifier)
	}
	if teamKey != "" {
		for i, repo := range repos {
			for _, key := range repo.TeamKeys {
				if strings.EqualFold(key, teamKey) {
					slog.Debug("routed by team", "issue", full.Identifier, "repository", repo.ID, "team", teamKey)
					return &repos[i]
				}
			}
		}
	}

	// 4. Workspace catch-all: the repo declaring no routing keys is the
	// deterministic sink when several repositories share a workspace.
	for i, repo := range repos {
		if repo.WorkspaceID == orgID && !repo.HasRoutingKeys() {
			slog.Debug("routed by workspace catch-all", "issue", full.Identifier, "repository", repo.ID)
			return &repos[i]
		}
	}

	// 5. Workspace fallback: first repo in the workspace.
	for i, repo := range repos {
		if repo.WorkspaceID == orgID {
			slog.Debug("routed by workspace fallback", "issue", full.Identifier, "repository", repo.ID)
			return &repos[i]
		}
	}

	return nil
}

// identifierPrefix extracts the team key from "ENG-123" style identifiers.
func identifierPrefix(identifier string) string {
	if idx := strings.IndexByte(identifier, '-'); idx > 0 {
		return identifier[:idx]
	}
	return ""
}
