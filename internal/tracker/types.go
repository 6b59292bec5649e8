// Package tracker is the client for the issue tracker's REST API.
// All calls are rate limited per token, retried with backoff, and GETs may
// be served from a short-lived response cache shared across repositories
// using the same token.
package tracker

import "time"

// User is a tracker account. Bot accounts carry IsBot so the orchestrator
// can suppress self-triggering.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	IsBot bool   `json:"isBot,omitempty"`
}

// Label is an issue label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Project groups issues into a stream of work.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Team owns issues; its key prefixes issue identifiers ("ENG-42").
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

// WorkflowState is an issue status within a team's workflow.
type WorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // triage, backlog, unstarted, started, completed, canceled
}

// IssueRef is a minimal reference to a related issue.
type IssueRef struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier,omitempty"`
	BranchName string `json:"branchName,omitempty"`
}

// Issue is the tracker-side issue record.
type Issue struct {
	ID          string         `json:"id"`
	Identifier  string         `json:"identifier"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	BranchName  string         `json:"branchName,omitempty"`
	Team        *Team          `json:"team,omitempty"`
	State       *WorkflowState `json:"state,omitempty"`
	Assignee    *User          `json:"assignee,omitempty"`
	Labels      []Label        `json:"labels,omitempty"`
	Project     *Project       `json:"project,omitempty"`
	Parent      *IssueRef      `json:"parent,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	URL         string         `json:"url,omitempty"`
}

// IssuePatch is a partial issue update.
type IssuePatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	StateID     *string `json:"stateId,omitempty"`
	AssigneeID  *string `json:"assigneeId,omitempty"`
}

// Comment is an issue comment. ParentID is set on thread replies.
type Comment struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issueId"`
	Body      string    `json:"body"`
	ParentID  string    `json:"parentId,omitempty"`
	User      *User     `json:"user,omitempty"`
	BotActor  bool      `json:"botActor,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Activity is a thought or response posted into an agent session.
type Activity struct {
	Type string `json:"type"` // protocol.ActivityThought or ActivityResponse
	Body string `json:"body"`
}

// Reaction is an emoji reaction on a comment.
type Reaction struct {
	ID        string `json:"id"`
	CommentID string `json:"commentId"`
	Emoji     string `json:"emoji"`
}
