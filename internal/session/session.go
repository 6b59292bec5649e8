// Package session holds agent-session state: the per-repository store, the
// process-global ephemeral index, and durable persistence.
package session

import (
	"context"
	"time"
)

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Issue is the minimal issue snapshot a session carries.
type Issue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	BranchName  string `json:"branchName,omitempty"`
}

// Workspace is the on-disk working directory for a session.
type Workspace struct {
	Path          string `json:"path"`
	IsGitWorktree bool   `json:"isGitWorktree"`
}

// ChangeRecord captures one issue edit observed while a session was active.
type ChangeRecord struct {
	Field     string    `json:"field"` // status, priority, assignee, labels, project, title, description
	Previous  string    `json:"previous,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcedureState tracks progress through a procedure's subroutines.
// CurrentIndex is monotonically non-decreasing.
type ProcedureState struct {
	Name              string   `json:"name"`
	CurrentIndex      int      `json:"currentIndex"`
	SubroutineHistory []string `json:"subroutineHistory,omitempty"`
}

// Metadata is the session's orchestration bookkeeping.
type Metadata struct {
	Procedure           *ProcedureState `json:"procedure,omitempty"`
	IssueChangeHistory  []ChangeRecord  `json:"issueChangeHistory,omitempty"`
	OriginalCommentID   string          `json:"originalCommentId,omitempty"`
	OriginalCommentBody string          `json:"originalCommentBody,omitempty"`
	ShouldReplyInThread bool            `json:"shouldReplyInThread,omitempty"`
	ResponseTemplate    string          `json:"responseTemplate,omitempty"`
}

// AssistantHandle is the live supervisor reference kept on an active
// session. Never serialized.
type AssistantHandle interface {
	IsStreaming() bool
	AddStreamMessage(ctx context.Context, text string) error
	Stop()
}

// AgentSession binds a tracker agent session to one assistant lifecycle.
// The tracker-side agent-session id is the key.
type AgentSession struct {
	ID                 string    `json:"id"`
	IssueID            string    `json:"issueId"`
	Issue              Issue     `json:"issue"`
	Workspace          Workspace `json:"workspace"`
	AssistantSessionID string    `json:"assistantSessionId,omitempty"` // assistant's own resumption handle
	Status             Status    `json:"status"`
	Metadata           Metadata  `json:"metadata"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`

	// Assistant is the live supervisor, nil when idle. Runtime only.
	Assistant AssistantHandle `json:"-"`
}

// EntryType classifies a session entry.
type EntryType string

const (
	EntryUser       EntryType = "user"
	EntryAssistant  EntryType = "assistant"
	EntryToolUse    EntryType = "tool_use"
	EntryToolResult EntryType = "tool_result"
	EntryThought    EntryType = "thought"
)

// Entry is one turn or tool interaction in a session, append-only.
type Entry struct {
	Type      EntryType `json:"type"`
	Content   string    `json:"content"`
	ToolUseID string    `json:"toolUseId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
