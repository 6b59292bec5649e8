package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/cyrus/internal/procedure"
	"github.com/nextlevelbuilder/cyrus/internal/session"
	"github.com/nextlevelbuilder/cyrus/internal/webhook"
	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

func (o *Orchestrator) handleSessionPrompted(ctx context.Context, h *repoHandle, ev webhook.SessionPrompted) {
	log := slog.With("session", ev.SessionID, "repository", h.repo.ID)
	store := o.stores.For(h.repo.ID)

	sess := store.Get(ev.SessionID)
	if sess == nil {
		log.Warn("prompt for unknown session, creating one")
		o.handleSessionCreated(ctx, h, webhook.SessionCreated{
			SessionID:   ev.SessionID,
			IssueID:     ev.IssueID,
			CommentID:   ev.CommentID,
			CommentBody: ev.Body,
		})
		return
	}

	if ev.Signal == protocol.SignalStop {
		if handle := store.Assistant(ev.SessionID); handle != nil {
			handle.Stop()
		}
		store.SetStatus(ev.SessionID, session.StatusStopped)
		reply := "Stopped as requested. Prompt me again to pick the work back up."
		if ev.Body != "" {
			reply = fmt.Sprintf("Stopped as requested (%q). Prompt me again to pick the work back up.", ev.Body)
		}
		o.postActivity(ctx, h, ev.SessionID, protocol.ActivityResponse, reply)
		return
	}

	handle := store.Assistant(ev.SessionID)
	streaming := handle != nil && handle.IsStreaming()

	ack := "Getting started on that..."
	if streaming {
		ack = "Queued as guidance for the current run."
	}
	o.postActivity(ctx, h, ev.SessionID, protocol.ActivityThought, ack)

	store.AppendEntry(ev.SessionID, session.Entry{Type: session.EntryUser, Content: ev.Body})

	if streaming {
		// Live run: inject the message, keep the current procedure.
		if err := handle.AddStreamMessage(ctx, ev.Body); err != nil {
			log.Warn("stream message delivery failed", "error", err)
		}
		return
	}

	// Idle session: re-route on the new prompt text, then resume.
	decision := o.router.Determine(ctx, ev.Body, "")
	store.SetProcedureState(ev.SessionID, procedure.InitializeState(decision.Procedure))
	log.Info("session re-routed on prompt",
		"procedure", decision.Procedure.Name, "source", decision.Source)

	refreshed := store.Get(ev.SessionID)
	o.startAssistant(ctx, h, refreshed, startSpec{
		prompt:     ev.Body,
		promptType: decision.PromptType,
		resume:     true,
	})
}
