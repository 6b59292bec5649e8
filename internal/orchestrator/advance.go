package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/cyrus/internal/assistant"
	"github.com/nextlevelbuilder/cyrus/internal/procedure"
	"github.com/nextlevelbuilder/cyrus/internal/session"
	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

// handleAssistantComplete runs on the session's serial queue when an
// assistant run ends: advance the procedure, or close the session out.
func (o *Orchestrator) handleAssistantComplete(ctx context.Context, h *repoHandle, sessionID string, result *assistant.StreamMessage, runErr error) {
	log := slog.With("session", sessionID, "repository", h.repo.ID)
	store := o.stores.For(h.repo.ID)
	store.SetAssistant(sessionID, nil)

	sess := store.Get(sessionID)
	if sess == nil {
		return
	}

	if runErr != nil {
		if assistant.IsBenignAbort(runErr) {
			// Expected on explicit stops and subroutine handoffs; the
			// session keeps whatever status the stop set.
			return
		}
		log.Error("assistant run failed", "error", runErr)
		store.SetStatus(sessionID, session.StatusFailed)
		return
	}

	state := sess.Metadata.Procedure
	if state != nil {
		// State restored from an older version may name a procedure that no
		// longer exists; normalize to the default before stepping.
		if p := o.router.Resolve(state.Name); p != nil && p.Name != state.Name {
			reset := procedure.InitializeState(p)
			store.SetProcedureState(sessionID, reset)
			state = &reset
		}
	}
	current := o.router.Registry().Current(state)

	if current != nil && current.Kind == procedure.KindSelectTemplate && result != nil {
		if tmpl, reasoning, ok := parseTemplateChoice(result.Result); ok {
			store.SetResponseTemplate(sessionID, tmpl)
			log.Info("response template selected", "template", tmpl, "reasoning", reasoning)
		} else {
			log.Warn("select-template output unparseable", "output", truncateForLog(result.Result))
		}
	}

	if next := o.router.Registry().Next(state); next != nil {
		finished := ""
		if current != nil {
			finished = current.Name
		}
		advanced := procedure.Advance(*state, finished)
		store.SetProcedureState(sessionID, advanced)
		log.Info("advancing to next subroutine", "subroutine", next.Name)

		promptBody := o.renderer.Load(next.PromptPath)
		if sess := store.Get(sessionID); sess != nil && sess.Metadata.ResponseTemplate != "" {
			promptBody += "\n\nUse the " + sess.Metadata.ResponseTemplate + " response template."
		}

		refreshed := store.Get(sessionID)
		o.startAssistant(ctx, h, refreshed, startSpec{
			prompt:     promptBody,
			promptType: promptTypeFromProcedure(state.Name),
			resume:     true,
			maxTurns:   next.MaxTurns,
		})
		return
	}

	// Procedure exhausted: the session is done.
	store.SetStatus(sessionID, session.StatusCompleted)
	summary := lastAssistantText(store, sessionID)
	if summary == "" && result != nil {
		summary = result.Result
	}

	if sess.Metadata.ShouldReplyInThread {
		o.postThreadReply(ctx, h, sess, summary)
	}
	o.resumeParent(ctx, sessionID, sess, summary)
}

// postThreadReply posts the session's final answer as a reply under the
// top-level ancestor of the comment that started it.
func (o *Orchestrator) postThreadReply(ctx context.Context, h *repoHandle, sess *session.AgentSession, body string) {
	log := slog.With("session", sess.ID)
	if body == "" {
		log.Warn("no assistant output for thread reply")
		return
	}
	if o.index.ThreadReplyPosted(sess.ID) {
		log.Debug("thread reply already posted")
		return
	}

	parentID := o.topLevelAncestor(ctx, h, sess.Metadata.OriginalCommentID)
	if _, err := h.tracker.CreateComment(ctx, sess.IssueID, body, parentID); err != nil {
		// Not marked as posted, so a later completion replay can retry.
		log.Error("thread reply failed", "error", err)
		return
	}
	o.index.MarkThreadReplyPosted(sess.ID)

	original := sess.Metadata.OriginalCommentID
	if reactionID, ok := o.index.TakeReaction(original); ok {
		if err := h.tracker.DeleteReaction(ctx, reactionID); err != nil {
			log.Debug("working reaction removal failed", "error", err)
		}
	}
	if _, err := h.tracker.AddReaction(ctx, original, protocol.ReactionDone); err != nil {
		log.Debug("done reaction failed", "error", err)
	}
	o.unresponded.Resolve(original)
}

// topLevelAncestor walks comment.parent links to the thread root.
func (o *Orchestrator) topLevelAncestor(ctx context.Context, h *repoHandle, commentID string) string {
	id := commentID
	for range 10 {
		comment, err := h.tracker.GetComment(ctx, id)
		if err != nil || comment.ParentID == "" {
			return id
		}
		id = comment.ParentID
	}
	return id
}

// parseTemplateChoice extracts {template, reasoning} from the assistant's
// select-template output, tolerating surrounding prose.
func parseTemplateChoice(output string) (template, reasoning string, ok bool) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return "", "", false
	}
	var choice struct {
		Template  string `json:"template"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(output[start:end+1]), &choice); err != nil || choice.Template == "" {
		return "", "", false
	}
	return choice.Template, choice.Reasoning, true
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
