package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/nextlevelbuilder/cyrus/internal/config"
	"github.com/nextlevelbuilder/cyrus/internal/procedure"
	"github.com/nextlevelbuilder/cyrus/internal/prompt"
	"github.com/nextlevelbuilder/cyrus/internal/session"
	"github.com/nextlevelbuilder/cyrus/internal/tracker"
	"github.com/nextlevelbuilder/cyrus/internal/webhook"
	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

// labelPromptCommand forces label-based system prompt selection from a
// comment body.
const labelPromptCommand = "/label-based-prompt"

func (o *Orchestrator) handleSessionCreated(ctx context.Context, h *repoHandle, ev webhook.SessionCreated) {
	log := slog.With("session", ev.SessionID, "repository", h.repo.ID)

	// Synthetic sessions were created by us, not the tracker; there is no
	// agent-session record to acknowledge yet.
	if !ev.Synthetic {
		o.postActivity(ctx, h, ev.SessionID, protocol.ActivityThought, "On it. Setting up a workspace for this issue...")
	}

	issue, err := h.tracker.GetIssue(ctx, ev.IssueID)
	if err != nil {
		log.Error("issue fetch failed", "issue", ev.IssueID, "error", err)
		o.failSession(h, ev.SessionID, ev.IssueID)
		return
	}

	ws, err := o.workspaces.Ensure(ctx, h.repo, *issue)
	if err != nil {
		log.Error("workspace setup failed", "issue", issue.Identifier, "error", err)
		o.failSession(h, ev.SessionID, ev.IssueID)
		return
	}
	attachmentsDir := o.cfg.AttachmentsDir(issue.Identifier)
	if err := os.MkdirAll(attachmentsDir, 0o755); err != nil {
		log.Warn("attachments dir creation failed", "error", err)
	}

	sess := &session.AgentSession{
		ID:      ev.SessionID,
		IssueID: issue.ID,
		Issue: session.Issue{
			ID:          issue.ID,
			Identifier:  issue.Identifier,
			Title:       issue.Title,
			Description: issue.Description,
			BranchName:  issue.BranchName,
		},
		Workspace: ws,
		Status:    session.StatusPending,
	}

	// A reply to one of our comments gets the ⏳ reaction and is watched by
	// the unresponded tracker until the thread reply lands.
	if ev.CommentID != "" && o.isReplyToBot(ctx, h, ev.CommentID) {
		sess.Metadata.ShouldReplyInThread = true
		sess.Metadata.OriginalCommentID = ev.CommentID
		sess.Metadata.OriginalCommentBody = ev.CommentBody
		if reactionID, err := h.tracker.AddReaction(ctx, ev.CommentID, protocol.ReactionWorking); err == nil {
			o.index.SetReaction(ev.CommentID, reactionID)
		} else {
			log.Warn("working reaction failed", "comment", ev.CommentID, "error", err)
		}
		o.unresponded.Mark(ev.CommentID, ev.SessionID)
	}

	labelClass := matchLabelPrompt(h.repo, issue.Labels)
	if labelClass != "" {
		o.postActivity(ctx, h, ev.SessionID, protocol.ActivityThought,
			"Issue labels route this to the "+labelClass+" procedure.")
	}
	decision := o.router.Determine(ctx, issueText(issue, ev.CommentBody), labelClass)
	state := procedure.InitializeState(decision.Procedure)
	sess.Metadata.Procedure = &state
	log.Info("procedure selected",
		"procedure", decision.Procedure.Name, "prompt_type", decision.PromptType, "source", decision.Source)

	systemPrompt, systemVersion := o.selectSystemPrompt(ev, decision.PromptType)
	userPrompt, userVersion := o.buildInitialPrompt(ctx, h, issue, ev, decision.PromptType, sess)

	store := o.stores.For(h.repo.ID)
	store.Upsert(sess)

	o.startAssistant(ctx, h, sess, startSpec{
		prompt:        userPrompt,
		systemPrompt:  systemPrompt,
		promptType:    decision.PromptType,
		userVersion:   userVersion,
		systemVersion: systemVersion,
	})
}

// isReplyToBot reports whether the comment answers one of our comments,
// checking the local provenance index first and the tracker as backstop.
func (o *Orchestrator) isReplyToBot(ctx context.Context, h *repoHandle, commentID string) bool {
	comment, err := h.tracker.GetComment(ctx, commentID)
	if err != nil || comment.ParentID == "" {
		return false
	}
	if o.index.IsBotParentComment(comment.ParentID) {
		return true
	}
	parent, err := h.tracker.GetComment(ctx, comment.ParentID)
	return err == nil && parent.BotActor
}

// matchLabelPrompt maps issue labels through the repository's label-prompt
// configuration. Debugger wins over orchestrator when both match.
func matchLabelPrompt(repo config.Repository, labels []tracker.Label) string {
	names := make(map[string]bool, len(labels))
	for _, l := range labels {
		names[strings.ToLower(l.Name)] = true
	}
	match := func(candidates []string) bool {
		for _, c := range candidates {
			if names[strings.ToLower(c)] {
				return true
			}
		}
		return false
	}
	lp := repo.LabelPrompts
	switch {
	case match(lp.Debugger):
		return "debugger"
	case match(lp.Orchestrator):
		return "orchestrator"
	case match(lp.Builder):
		return "builder"
	case match(lp.Scoper):
		return "scoper"
	default:
		return ""
	}
}

func issueText(issue *tracker.Issue, commentBody string) string {
	text := issue.Title + "\n\n" + issue.Description
	if commentBody != "" {
		text += "\n\n" + commentBody
	}
	return text
}

// selectSystemPrompt decides whether the session gets a label-based system
// prompt. Delegated sessions and explicit /label-based-prompt commands do;
// plain mentions run without one.
func (o *Orchestrator) selectSystemPrompt(ev webhook.SessionCreated, promptType string) (body, version string) {
	delegated := strings.Contains(ev.CommentBody, protocol.DelegationMarker)
	commanded := strings.Contains(ev.CommentBody, labelPromptCommand)
	if !delegated && !commanded {
		return "", ""
	}
	tmpl := o.renderer.Load("system/" + promptType + ".md")
	version, stripped := prompt.ExtractVersionTag(tmpl)
	return stripped, version
}

func (o *Orchestrator) buildInitialPrompt(ctx context.Context, h *repoHandle, issue *tracker.Issue, ev webhook.SessionCreated, promptType string, sess *session.AgentSession) (body, version string) {
	name := prompt.TemplateDefault
	if ev.IsMention {
		name = prompt.TemplateMention
	} else if strings.Contains(ev.CommentBody, labelPromptCommand) {
		name = prompt.TemplateLabelBased
	}
	tmpl := o.renderer.Load(name)
	version, tmpl = prompt.ExtractVersionTag(tmpl)

	threads := "(no comments yet)"
	if comments, err := h.tracker.ListComments(ctx, issue.ID); err == nil {
		threads = prompt.FormatCommentThreads(comments)
	} else {
		slog.Debug("comment listing failed", "issue", issue.Identifier, "error", err)
	}

	urls := prompt.ExtractAttachmentURLs(issue.Description + "\n" + ev.CommentBody)
	manifest := ""
	if len(urls) > 0 {
		manifest = "\n\nAttachments referenced on the issue:\n"
		for _, u := range urls {
			manifest += "- " + u + "\n"
		}
	}

	rendered := prompt.Render(tmpl, map[string]string{
		"repository_name":     h.repo.Name,
		"issue_id":            issue.ID,
		"issue_identifier":    issue.Identifier,
		"issue_title":         issue.Title,
		"issue_description":   issue.Description,
		"issue_url":           issue.URL,
		"base_branch":         selectBaseBranch(ctx, h.repo, issue),
		"comment_threads":     threads,
		"new_comment_body":    ev.CommentBody,
		"new_comment_author":  "", // author is not carried on session-created webhooks
		"prompt_type":         promptType,
		"attachment_manifest": manifest,
	})

	rendered += prompt.GuidanceBlock(ev.Guidance)
	if sess.Metadata.ShouldReplyInThread {
		rendered += prompt.ThreadReplyDirective
	}
	return rendered, version
}

func (o *Orchestrator) failSession(h *repoHandle, sessionID, issueID string) {
	store := o.stores.For(h.repo.ID)
	if store.Get(sessionID) == nil {
		store.Upsert(&session.AgentSession{ID: sessionID, IssueID: issueID, Status: session.StatusFailed})
		return
	}
	store.SetStatus(sessionID, session.StatusFailed)
}

func (o *Orchestrator) postActivity(ctx context.Context, h *repoHandle, sessionID, kind, body string) {
	if err := h.tracker.CreateAgentActivity(ctx, sessionID, tracker.Activity{Type: kind, Body: body}); err != nil {
		slog.Warn("agent activity failed", "session", sessionID, "kind", kind, "error", err)
	}
}
