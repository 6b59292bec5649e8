package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cyrus/internal/session"
	"github.com/nextlevelbuilder/cyrus/internal/webhook"
	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

// SpawnChildSession creates a child agent session delegated by a parent.
// Called by the in-process MCP server while the parent's assistant runs.
func (o *Orchestrator) SpawnChildSession(ctx context.Context, parentSessionID, title, description string) (string, error) {
	parent, store := o.stores.FindSession(parentSessionID)
	if parent == nil {
		return "", fmt.Errorf("unknown parent session %s", parentSessionID)
	}
	h := o.handle(store.RepoID())
	if h == nil {
		return "", fmt.Errorf("parent repository %s not configured", store.RepoID())
	}

	childID := uuid.NewString()
	o.index.LinkChild(childID, parentSessionID)

	body := protocol.DelegationMarker + "\n\n# " + title + "\n\n" + description
	ev := webhook.SessionCreated{
		SessionID:   childID,
		IssueID:     parent.IssueID,
		CommentBody: body,
		Synthetic:   true,
	}
	o.enqueue(childID, func(ctx context.Context) { o.handleSessionCreated(ctx, h, ev) })

	slog.Info("child session spawned",
		"parent", parentSessionID, "child", childID, "title", title)
	return childID, nil
}

// resumeParent feeds a completed child's summary back into its parent
// session. The link is removed first so a replay cannot resume twice.
func (o *Orchestrator) resumeParent(ctx context.Context, childID string, child *session.AgentSession, summary string) {
	parentID, ok := o.index.ParentOf(childID)
	if !ok {
		return
	}
	o.index.UnlinkChild(childID)

	parent, store := o.stores.FindSession(parentID)
	if parent == nil {
		slog.Warn("parent session vanished before resumption", "parent", parentID, "child", childID)
		return
	}
	h := o.handle(store.RepoID())
	if h == nil {
		slog.Warn("parent repository gone before resumption", "parent", parentID)
		return
	}

	if summary == "" {
		summary = "(the child session produced no summary)"
	}

	o.enqueue(parentID, func(ctx context.Context) {
		o.postActivity(ctx, h, parentID, protocol.ActivityThought,
			"Resuming from child session "+child.Issue.Identifier+".")

		refreshed := store.Get(parentID)
		if refreshed == nil {
			return
		}
		if handle := store.Assistant(parentID); handle != nil && handle.IsStreaming() {
			// Parent is mid-run: deliver the summary on the live stream.
			if err := handle.AddStreamMessage(ctx, childSummaryPrompt(summary)); err != nil {
				slog.Warn("child summary delivery failed", "parent", parentID, "error", err)
			}
			return
		}

		var extraDirs []string
		if child.Workspace.Path != "" {
			extraDirs = append(extraDirs, child.Workspace.Path)
		}
		o.startAssistant(ctx, h, refreshed, startSpec{
			prompt:     childSummaryPrompt(summary),
			promptType: parentPromptType(refreshed),
			resume:     true,
			extraDirs:  extraDirs,
		})
	})
}

func childSummaryPrompt(summary string) string {
	return "A child session you delegated has completed. Its summary:\n\n" + summary
}

func parentPromptType(sess *session.AgentSession) string {
	if sess.Metadata.Procedure != nil {
		return promptTypeFromProcedure(sess.Metadata.Procedure.Name)
	}
	return "orchestrator"
}
