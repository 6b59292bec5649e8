// Package protocol defines the wire-level names shared between the edge
// worker, the webhook proxy, and the Tracker's agent-session API.
package protocol

// ProtocolVersion is bumped when the proxy framing changes incompatibly.
const ProtocolVersion = 2

// Webhook event types as delivered by the Tracker (native or proxy-framed).
const (
	EventAgentSessionCreated  = "AgentSessionEvent.created"
	EventAgentSessionPrompted = "AgentSessionEvent.prompted"
	EventIssueAssigned        = "Notification.IssueAssigned"
	EventIssueUnassigned      = "Notification.IssueUnassigned"
	EventIssueCommentMention  = "Notification.IssueCommentMention"
	EventIssueNewComment      = "Notification.IssueNewComment"
	EventDataChangeIssue      = "DataChange.Issue"
	EventDataChangeComment    = "DataChange.Comment"
)

// Data-change actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionRemove = "remove"
)

// Agent activity kinds posted back into a Tracker agent session.
const (
	ActivityThought  = "thought"
	ActivityResponse = "response"
)

// Prompt signals carried on AgentSessionEvent.prompted.
const (
	SignalStop = "stop"
)

// Reaction emoji used on comments the worker is handling.
const (
	ReactionWorking = "hourglass_flowing_sand"
	ReactionDone    = "white_check_mark"
)

// Proxy-framed message types on the websocket stream.
const (
	ProxyFrameWebhook   = "webhook"
	ProxyFrameHeartbeat = "heartbeat"
)

// Mention tokens that address the worker in a comment body.
var MentionTokens = []string{"@cyrus", "@bot"}

// DelegationMarker identifies synthetic initial comments created when a
// session is delegated to the worker rather than triggered by a mention.
const DelegationMarker = "This thread is for an agent session"
