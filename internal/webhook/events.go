// Package webhook ingests tracker webhooks: decoding into a typed event
// union, fingerprint deduplication, and repository routing.
package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/cyrus/internal/tracker"
	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

// Event is the decoded webhook union. Dispatch with a type switch; every
// handler should list all variants so new ones fail loudly.
type Event interface {
	isEvent()
	// Fingerprint identifies the delivery for deduplication.
	Fingerprint() string
}

type base struct {
	OrganizationID string
	WebhookID      string
	fingerprint    string
}

func (b base) Fingerprint() string { return b.fingerprint }

// SessionCreated starts a new agent session. Synthetic is set when the event
// was derived from a data change (issue assigned, qualifying comment) rather
// than delivered by the tracker.
type SessionCreated struct {
	base
	SessionID   string
	IssueID     string
	CommentID   string // initial comment, if the session was comment-triggered
	CommentBody string
	Guidance    string // agent guidance block from the tracker, optional
	Synthetic   bool
	IsMention   bool // @mention trigger (affects system prompt selection)
}

// SessionPrompted delivers a user message into an existing session.
type SessionPrompted struct {
	base
	SessionID string
	IssueID   string
	Body      string
	CommentID string
	Signal    string // protocol.SignalStop to halt the assistant
}

// IssueAssigned is a data-change assignee transition.
type IssueAssigned struct {
	base
	Issue          tracker.Issue
	PrevAssigneeID string
	NewAssigneeID  string
}

// IssueUnassigned means the worker lost the issue.
type IssueUnassigned struct {
	base
	IssueID string
}

// IssueEdited carries a field-level change record for active sessions.
type IssueEdited struct {
	base
	Issue   tracker.Issue
	Changes map[string]string // field → previous value (status, priority, ...)
}

// CommentCreated is a new comment on an issue the worker may care about.
type CommentCreated struct {
	base
	Comment tracker.Comment
	Mention bool // delivered as a mention notification
}

func (SessionCreated) isEvent()  {}
func (SessionPrompted) isEvent() {}
func (IssueAssigned) isEvent()   {}
func (IssueUnassigned) isEvent() {}
func (IssueEdited) isEvent()     {}
func (CommentCreated) isEvent()  {}

// envelope is the raw wire shape shared by native and proxy-framed webhooks.
type envelope struct {
	Type             string `json:"type"`
	Action           string `json:"action"`
	OrganizationID   string `json:"organizationId"`
	WebhookID        string `json:"webhookId"`
	WebhookTimestamp int64  `json:"webhookTimestamp"`

	AgentSession *struct {
		ID      string `json:"id"`
		IssueID string `json:"issueId"`
		Comment *struct {
			ID   string `json:"id"`
			Body string `json:"body"`
		} `json:"comment"`
		Guidance string `json:"guidance"`
	} `json:"agentSession"`

	AgentActivity *struct {
		Body   string `json:"body"`
		Signal string `json:"signal"`
		Comment *struct {
			ID string `json:"id"`
		} `json:"comment"`
	} `json:"agentActivity"`

	Issue   *tracker.Issue   `json:"issue"`
	Comment *tracker.Comment `json:"comment"`

	// UpdatedFrom holds pre-change values on update actions.
	UpdatedFrom map[string]json.RawMessage `json:"updatedFrom"`

	Notification *struct {
		Type    string           `json:"type"`
		Issue   *tracker.Issue   `json:"issue"`
		Comment *tracker.Comment `json:"comment"`
	} `json:"notification"`
}

// ErrUnknownEvent marks payloads the worker does not handle; callers log and
// drop them.
type ErrUnknownEvent struct {
	Type   string
	Action string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown webhook event %q action %q", e.Type, e.Action)
}

// Decode parses a raw webhook payload into the event union.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse webhook: %w", err)
	}

	switch env.Type {
	case protocol.EventAgentSessionCreated:
		if env.AgentSession == nil {
			return nil, fmt.Errorf("session-created webhook without agentSession")
		}
		ev := SessionCreated{
			base:      env.base(env.AgentSession.ID),
			SessionID: env.AgentSession.ID,
			IssueID:   env.AgentSession.IssueID,
			Guidance:  env.AgentSession.Guidance,
		}
		if env.AgentSession.Comment != nil {
			ev.CommentID = env.AgentSession.Comment.ID
			ev.CommentBody = env.AgentSession.Comment.Body
		}
		return ev, nil

	case protocol.EventAgentSessionPrompted:
		if env.AgentSession == nil || env.AgentActivity == nil {
			return nil, fmt.Errorf("session-prompted webhook without session or activity")
		}
		ev := SessionPrompted{
			base:      env.base(env.AgentSession.ID),
			SessionID: env.AgentSession.ID,
			IssueID:   env.AgentSession.IssueID,
			Body:      env.AgentActivity.Body,
			Signal:    env.AgentActivity.Signal,
		}
		if env.AgentActivity.Comment != nil {
			ev.CommentID = env.AgentActivity.Comment.ID
		}
		return ev, nil

	case protocol.EventIssueUnassigned:
		issueID := env.notificationIssueID()
		if issueID == "" {
			return nil, fmt.Errorf("unassigned notification without issue")
		}
		return IssueUnassigned{base: env.base(issueID), IssueID: issueID}, nil

	case protocol.EventIssueCommentMention, protocol.EventIssueNewComment:
		comment := env.notificationComment()
		if comment == nil {
			return nil, fmt.Errorf("comment notification without comment")
		}
		return CommentCreated{
			base:    env.base(comment.ID),
			Comment: *comment,
			Mention: env.Type == protocol.EventIssueCommentMention,
		}, nil

	case protocol.EventIssueAssigned:
		issue := env.notificationIssue()
		if issue == nil {
			return nil, fmt.Errorf("assigned notification without issue")
		}
		ev := IssueAssigned{base: env.base(issue.ID), Issue: *issue}
		if issue.Assignee != nil {
			ev.NewAssigneeID = issue.Assignee.ID
		}
		return ev, nil

	case protocol.EventDataChangeIssue:
		if env.Issue == nil {
			return nil, fmt.Errorf("issue data-change without issue")
		}
		return env.decodeIssueChange()

	case protocol.EventDataChangeComment:
		if env.Comment == nil {
			return nil, fmt.Errorf("comment data-change without comment")
		}
		if env.Action != protocol.ActionCreate {
			return nil, &ErrUnknownEvent{Type: env.Type, Action: env.Action}
		}
		return CommentCreated{base: env.base(env.Comment.ID), Comment: *env.Comment}, nil

	default:
		return nil, &ErrUnknownEvent{Type: env.Type, Action: env.Action}
	}
}

func (env *envelope) decodeIssueChange() (Event, error) {
	prevAssignee, hadAssignee := env.updatedFromString("assigneeId")

	// Assignee transition null → non-null is the only auto-session trigger.
	if hadAssignee && prevAssignee == "" && env.Issue.Assignee != nil {
		return IssueAssigned{
			base:          env.base(env.Issue.ID),
			Issue:         *env.Issue,
			NewAssigneeID: env.Issue.Assignee.ID,
		}, nil
	}
	if hadAssignee && prevAssignee != "" && env.Issue.Assignee == nil {
		return IssueUnassigned{base: env.base(env.Issue.ID), IssueID: env.Issue.ID}, nil
	}

	changes := make(map[string]string)
	for field, label := range trackedIssueFields {
		if prev, ok := env.updatedFromString(field); ok {
			changes[label] = prev
		}
	}
	if len(changes) == 0 {
		return nil, &ErrUnknownEvent{Type: env.Type, Action: env.Action}
	}
	return IssueEdited{base: env.base(env.Issue.ID), Issue: *env.Issue, Changes: changes}, nil
}

// trackedIssueFields maps wire field names to change-history labels.
var trackedIssueFields = map[string]string{
	"stateId":     "status",
	"priority":    "priority",
	"assigneeId":  "assignee",
	"labelIds":    "labels",
	"projectId":   "project",
	"title":       "title",
	"description": "description",
}

func (env *envelope) updatedFromString(field string) (string, bool) {
	raw, ok := env.UpdatedFrom[field]
	if !ok {
		return "", false
	}
	if string(raw) == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	// Non-string previous values (priority, label arrays) keep raw JSON.
	return strings.TrimSpace(string(raw)), true
}

func (env *envelope) notificationIssue() *tracker.Issue {
	if env.Notification != nil && env.Notification.Issue != nil {
		return env.Notification.Issue
	}
	return env.Issue
}

func (env *envelope) notificationIssueID() string {
	if issue := env.notificationIssue(); issue != nil {
		return issue.ID
	}
	return ""
}

func (env *envelope) notificationComment() *tracker.Comment {
	if env.Notification != nil && env.Notification.Comment != nil {
		return env.Notification.Comment
	}
	return env.Comment
}

// base builds the shared event fields, including the dedup fingerprint:
// hash of (type, action, primary subject id, revision-or-timestamp).
func (env *envelope) base(subjectID string) base {
	revision := strconv.FormatInt(env.WebhookTimestamp, 10)
	if env.WebhookTimestamp == 0 {
		revision = env.WebhookID
	}
	h := sha256.Sum256([]byte(env.Type + "|" + env.Action + "|" + subjectID + "|" + revision))
	return base{
		OrganizationID: env.OrganizationID,
		WebhookID:      env.WebhookID,
		fingerprint:    hex.EncodeToString(h[:16]),
	}
}
