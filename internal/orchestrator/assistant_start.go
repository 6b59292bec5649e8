package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/cyrus/internal/assistant"
	"github.com/nextlevelbuilder/cyrus/internal/mcpserver"
	"github.com/nextlevelbuilder/cyrus/internal/session"
)

// startSpec parameterizes one assistant run for a session.
type startSpec struct {
	prompt        string
	systemPrompt  string
	promptType    string
	userVersion   string
	systemVersion string
	resume        bool // reuse sess.AssistantSessionID
	maxTurns      int
	extraDirs     []string // extra allowed directories (child workspaces)
}

// startAssistant launches a supervisor for the session. Caller holds the
// session's serial queue, so no other start can race this one.
func (o *Orchestrator) startAssistant(ctx context.Context, h *repoHandle, sess *session.AgentSession, spec startSpec) {
	log := slog.With("session", sess.ID, "repository", h.repo.ID)
	store := o.stores.For(h.repo.ID)

	if spec.maxTurns == 0 {
		if sub := o.router.Registry().Current(sess.Metadata.Procedure); sub != nil {
			spec.maxTurns = sub.MaxTurns
		}
	}

	allowed, disallowed := ResolveTools(o.cfg.Defaults, h.repo, spec.promptType)

	dirs := []string{sess.Workspace.Path, o.cfg.AttachmentsDir(sess.Issue.Identifier)}
	dirs = append(dirs, spec.extraDirs...)

	mcpPaths := make([]string, 0, 2)
	mcpConfigDir := filepath.Join(o.cfg.StateDir(), "mcp")
	if path, err := mcpserver.WriteSessionConfig(mcpConfigDir, o.serverURL, sess.ID); err == nil {
		mcpPaths = append(mcpPaths, path)
	} else {
		log.Warn("mcp config write failed", "error", err)
	}
	if h.repo.MCPConfigPath != "" {
		mcpPaths = append(mcpPaths, h.repo.MCPConfigPath)
	}

	model := h.repo.Model
	if model == "" {
		model = o.cfg.Defaults.Model
	}
	fallbackModel := h.repo.FallbackModel
	if fallbackModel == "" {
		fallbackModel = o.cfg.Defaults.FallbackModel
	}

	appendPrompt := spec.systemPrompt
	if h.repo.AppendInstruction != "" {
		if appendPrompt != "" {
			appendPrompt += "\n\n"
		}
		appendPrompt += h.repo.AppendInstruction
	}

	opts := assistant.RunOptions{
		WorkingDirectory:   sess.Workspace.Path,
		AllowedTools:       allowed,
		DisallowedTools:    disallowed,
		AllowedDirectories: dirs,
		Model:              model,
		FallbackModel:      fallbackModel,
		AppendSystemPrompt: appendPrompt,
		MCPConfigPaths:     mcpPaths,
		MaxTurns:           spec.maxTurns,
	}
	if spec.resume && sess.AssistantSessionID != "" {
		opts.ResumeSessionID = sess.AssistantSessionID
	}

	sessionID := sess.ID
	sup := assistant.NewSupervisor(o.runner, opts, assistant.Callbacks{
		OnSessionID: func(id string) {
			store.SetAssistantSessionID(sessionID, id)
		},
		OnMessage: func(msg assistant.StreamMessage) {
			o.recordMessage(store, sessionID, msg)
		},
		OnComplete: func(result *assistant.StreamMessage, err error) {
			o.enqueue(sessionID, func(ctx context.Context) {
				o.handleAssistantComplete(ctx, h, sessionID, result, err)
			})
		},
	})
	sup.UpdatePromptVersions(spec.userVersion, spec.systemVersion)

	store.SetAssistant(sessionID, sup)
	store.SetStatus(sessionID, session.StatusActive)
	store.AppendEntry(sessionID, session.Entry{Type: session.EntryUser, Content: spec.prompt})

	if err := sup.StartStreaming(ctx, spec.prompt); err != nil {
		log.Error("assistant start failed", "error", err)
		store.SetAssistant(sessionID, nil)
		store.SetStatus(sessionID, session.StatusFailed)
	}
}

// recordMessage appends assistant output to the session's entry log.
func (o *Orchestrator) recordMessage(store *session.Store, sessionID string, msg assistant.StreamMessage) {
	switch msg.Type {
	case "assistant":
		for _, block := range msg.Blocks() {
			switch block.Type {
			case "text":
				if block.Text != "" {
					store.AppendEntry(sessionID, session.Entry{Type: session.EntryAssistant, Content: block.Text})
				}
			case "thinking":
				if block.Thinking != "" {
					store.AppendEntry(sessionID, session.Entry{Type: session.EntryThought, Content: block.Thinking})
				}
			case "tool_use":
				store.AppendEntry(sessionID, session.Entry{
					Type:      session.EntryToolUse,
					Content:   block.Name + " " + strings.TrimSpace(string(block.Input)),
					ToolUseID: block.ID,
				})
			}
		}
	case "user":
		for _, block := range msg.Blocks() {
			if block.Type == "tool_result" {
				store.AppendEntry(sessionID, session.Entry{
					Type:      session.EntryToolResult,
					Content:   strings.TrimSpace(string(block.Content)),
					ToolUseID: block.ToolUseID,
				})
			}
		}
	}
}

// promptTypeFromProcedure recovers the prompt type from a procedure name
// ("debugger-full" → "debugger") for resumed sessions.
func promptTypeFromProcedure(name string) string {
	if i := strings.Index(name, "-"); i > 0 {
		return name[:i]
	}
	return name
}

// lastAssistantText returns the most recent assistant entry for a session.
func lastAssistantText(store *session.Store, sessionID string) string {
	entries := store.Entries(sessionID)
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == session.EntryAssistant {
			return entries[i].Content
		}
	}
	return ""
}
