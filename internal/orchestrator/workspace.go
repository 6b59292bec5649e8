package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/cyrus/internal/config"
	"github.com/nextlevelbuilder/cyrus/internal/session"
	"github.com/nextlevelbuilder/cyrus/internal/tracker"
)

// WorkspaceManager prepares the on-disk working directory for a session.
type WorkspaceManager interface {
	Ensure(ctx context.Context, repo config.Repository, issue tracker.Issue) (session.Workspace, error)
}

// WorktreeManager creates one git worktree per issue under the repository's
// workspace base directory, falling back to a plain directory when the
// repository is not a git checkout.
type WorktreeManager struct {
	cyrusHome string
}

// NewWorktreeManager creates the default workspace manager.
func NewWorktreeManager(cyrusHome string) *WorktreeManager {
	return &WorktreeManager{cyrusHome: cyrusHome}
}

func (m *WorktreeManager) Ensure(ctx context.Context, repo config.Repository, issue tracker.Issue) (session.Workspace, error) {
	base := repo.WorkspaceBaseDir
	if base == "" {
		base = filepath.Join(m.cyrusHome, "workspaces", repo.Name)
	}
	path := filepath.Join(base, issue.Identifier)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return session.Workspace{Path: path, IsGitWorktree: isWorktree(ctx, path)}, nil
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return session.Workspace{}, fmt.Errorf("create workspace base: %w", err)
	}

	branch := issue.BranchName
	if branch == "" {
		branch = strings.ToLower(issue.Identifier)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repo.RepositoryPath,
		"worktree", "add", "-B", branch, path, repo.BaseBranch)
	if out, err := cmd.CombinedOutput(); err != nil {
		// Not a git repository, or the worktree command failed: degrade to a
		// plain directory so the session can still run.
		if mkErr := os.MkdirAll(path, 0o755); mkErr != nil {
			return session.Workspace{}, fmt.Errorf("create workspace: %v (worktree: %s)", mkErr, strings.TrimSpace(string(out)))
		}
		return session.Workspace{Path: path}, nil
	}
	return session.Workspace{Path: path, IsGitWorktree: true}, nil
}

func isWorktree(ctx context.Context, path string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--is-inside-work-tree")
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// selectBaseBranch picks the branch a session starts from: the repository's
// default, unless the issue's parent has a branch that exists locally or on
// the remote. Backticks are stripped before the name touches a git command.
func selectBaseBranch(ctx context.Context, repo config.Repository, issue *tracker.Issue) string {
	if issue == nil || issue.Parent == nil || issue.Parent.BranchName == "" {
		return repo.BaseBranch
	}
	parentBranch := strings.ReplaceAll(issue.Parent.BranchName, "`", "")
	if parentBranch == "" {
		return repo.BaseBranch
	}
	if branchExists(ctx, repo.RepositoryPath, parentBranch) {
		return parentBranch
	}
	return repo.BaseBranch
}

func branchExists(ctx context.Context, repoPath, branch string) bool {
	for _, ref := range []string{
		"refs/heads/" + branch,
		"refs/remotes/origin/" + branch,
	} {
		cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "rev-parse", "--verify", "--quiet", ref)
		if cmd.Run() == nil {
			return true
		}
	}
	return false
}
