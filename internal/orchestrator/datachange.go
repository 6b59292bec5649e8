package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/cyrus/internal/session"
	"github.com/nextlevelbuilder/cyrus/internal/tracker"
	"github.com/nextlevelbuilder/cyrus/internal/webhook"
	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

// handleIssueAssigned synthesizes a session when an issue lands on the
// worker's plate in a workable state.
func (o *Orchestrator) handleIssueAssigned(ctx context.Context, h *repoHandle, ev webhook.IssueAssigned) {
	if ev.PrevAssigneeID != "" {
		// Reassignment between users, not a fresh pickup.
		return
	}
	if !workableState(ev.Issue.State) {
		slog.Debug("assigned issue not in a workable state",
			"issue", ev.Issue.Identifier, "state", stateType(ev.Issue.State))
		return
	}

	// An existing session for the issue means the assignment is an echo.
	if sessions := o.stores.For(h.repo.ID).GetForIssue(ev.Issue.ID); len(sessions) > 0 {
		return
	}

	sessionID := uuid.NewString()
	slog.Info("synthesizing session for assigned issue",
		"issue", ev.Issue.Identifier, "session", sessionID)
	created := webhook.SessionCreated{
		SessionID: sessionID,
		IssueID:   ev.Issue.ID,
		Synthetic: true,
	}
	o.enqueue(sessionID, func(ctx context.Context) { o.handleSessionCreated(ctx, h, created) })
}

// workableState excludes terminal and parked issues, by state type or by
// name substring. Trackers allow custom types, so the name is checked too.
func workableState(state *tracker.WorkflowState) bool {
	if state == nil {
		return true
	}
	name := strings.ToLower(state.Name)
	for _, blocked := range []string{"backlog", "completed", "canceled"} {
		if state.Type == blocked || strings.Contains(name, blocked) {
			return false
		}
	}
	return true
}

func stateType(state *tracker.WorkflowState) string {
	if state == nil {
		return ""
	}
	return state.Type
}

// handleIssueUnassigned stops every assistant on the issue and says goodbye
// once if any was running.
func (o *Orchestrator) handleIssueUnassigned(ctx context.Context, h *repoHandle, ev webhook.IssueUnassigned) {
	store := o.stores.For(h.repo.ID)
	anyActive := false
	for _, sess := range store.GetForIssue(ev.IssueID) {
		if handle := store.Assistant(sess.ID); handle != nil {
			handle.Stop()
			anyActive = true
		}
		if sess.Status == session.StatusActive || sess.Status == session.StatusPending {
			store.SetStatus(sess.ID, session.StatusStopped)
		}
	}
	if anyActive {
		body := "I've been unassigned from this issue and stopped working on it. Reassign it to me if you want the work to continue."
		if _, err := h.tracker.CreateComment(ctx, ev.IssueID, body, ""); err != nil {
			slog.Warn("farewell comment failed", "issue", ev.IssueID, "error", err)
		}
	}
}

// handleIssueEdited records the change on every live session for the issue.
// Edits never advance a procedure.
func (o *Orchestrator) handleIssueEdited(ctx context.Context, h *repoHandle, ev webhook.IssueEdited) {
	store := o.stores.For(h.repo.ID)
	now := time.Now()
	for _, sess := range store.GetForIssue(ev.Issue.ID) {
		if sess.Status != session.StatusActive && sess.Status != session.StatusPending {
			continue
		}
		for field, prev := range ev.Changes {
			store.AppendChangeRecord(sess.ID, session.ChangeRecord{
				Field:     field,
				Previous:  prev,
				Timestamp: now,
			})
		}
	}
}

// handleCommentCreated applies the reply decision and synthesizes a session
// for qualifying comments.
func (o *Orchestrator) handleCommentCreated(ctx context.Context, h *repoHandle, ev webhook.CommentCreated) {
	c := ev.Comment
	if !o.shouldRespondToComment(ctx, h, c, ev.Mention) {
		return
	}

	sessionID := uuid.NewString()
	slog.Info("synthesizing session for comment",
		"issue", c.IssueID, "comment", c.ID, "session", sessionID)
	created := webhook.SessionCreated{
		SessionID:   sessionID,
		IssueID:     c.IssueID,
		CommentID:   c.ID,
		CommentBody: c.Body,
		Synthetic:   true,
		IsMention:   ev.Mention || containsMention(c.Body),
	}
	o.enqueue(sessionID, func(ctx context.Context) { o.handleSessionCreated(ctx, h, created) })
}

// shouldRespondToComment is the bot-loop gate: never respond to ourselves,
// and only respond to replies addressed to us or explicit mentions.
func (o *Orchestrator) shouldRespondToComment(ctx context.Context, h *repoHandle, c tracker.Comment, mention bool) bool {
	if o.index.IsRecentBotComment(c.ID) {
		return false
	}
	if c.User != nil && (c.User.IsBot || o.index.IsBotUser(c.User.ID)) {
		return false
	}
	if c.BotActor {
		return false
	}

	if mention || containsMention(c.Body) {
		return true
	}
	if c.ParentID == "" {
		return false
	}
	if o.index.IsBotParentComment(c.ParentID) {
		return true
	}
	parent, err := h.tracker.GetComment(ctx, c.ParentID)
	return err == nil && parent.BotActor
}

func containsMention(body string) bool {
	lower := strings.ToLower(body)
	for _, token := range protocol.MentionTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
