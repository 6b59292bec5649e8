package session

import (
	"context"
	"sync"
	"time"
)

const (
	// recentBotCommentTTL bounds the self-reply suppression window. The
	// tracker-side botActor flag is the backstop once an id expires.
	recentBotCommentTTL = 5 * time.Minute

	// threadReplyTTL prevents duplicate thread replies on webhook replays.
	threadReplyTTL = 5 * time.Minute

	indexSweepInterval = time.Minute
)

// Index is the process-global ephemeral session state: bot provenance,
// parent↔child links, reaction ids. Explicit lifecycle (Start/Shutdown),
// never persisted; rebuilt lazily after a restart.
type Index struct {
	mu sync.Mutex

	recentBotComments map[string]time.Time // comment id → registered at (TTL)
	botParentComments map[string]bool      // comments we authored that may be replied to
	botUsers          map[string]bool      // tracker user ids belonging to us
	childToParent     map[string]string    // agent-session id → parent agent-session id
	reactions         map[string]string    // comment id → reaction id (⏳)
	threadReplies     map[string]time.Time // session id → thread reply posted at (TTL)

	cancel context.CancelFunc
	now    func() time.Time
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		recentBotComments: make(map[string]time.Time),
		botParentComments: make(map[string]bool),
		botUsers:          make(map[string]bool),
		childToParent:     make(map[string]string),
		reactions:         make(map[string]string),
		threadReplies:     make(map[string]time.Time),
		now:               time.Now,
	}
}

// RegisterBotComment records a comment we authored, plus its author user id.
// Must run before the echo webhook for that comment can be processed.
func (ix *Index) RegisterBotComment(commentID, userID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.recentBotComments[commentID] = ix.now()
	ix.botParentComments[commentID] = true
	if userID != "" {
		ix.botUsers[userID] = true
	}
}

// IsRecentBotComment reports whether the comment id is inside the
// self-reply suppression window.
func (ix *Index) IsRecentBotComment(commentID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	at, ok := ix.recentBotComments[commentID]
	return ok && ix.now().Sub(at) < recentBotCommentTTL
}

// IsBotParentComment reports whether we authored the comment (unbounded set;
// used to detect replies addressed to us).
func (ix *Index) IsBotParentComment(commentID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.botParentComments[commentID]
}

// IsBotUser reports whether the tracker user id belongs to us.
func (ix *Index) IsBotUser(userID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.botUsers[userID]
}

// LinkChild records a child session's parent. Edges form a forest: a child
// has exactly one parent.
func (ix *Index) LinkChild(childID, parentID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.childToParent[childID] = parentID
}

// ParentOf returns the parent session id, if any.
func (ix *Index) ParentOf(childID string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	parent, ok := ix.childToParent[childID]
	return parent, ok
}

// UnlinkChild removes the edge once the parent has been resumed, ensuring a
// child completion triggers at most one resumption.
func (ix *Index) UnlinkChild(childID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.childToParent, childID)
}

// SetReaction remembers the ⏳ reaction id for a comment.
func (ix *Index) SetReaction(commentID, reactionID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.reactions[commentID] = reactionID
}

// TakeReaction returns and clears the stored reaction id for a comment.
func (ix *Index) TakeReaction(commentID string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	id, ok := ix.reactions[commentID]
	if ok {
		delete(ix.reactions, commentID)
	}
	return id, ok
}

// ThreadReplyPosted reports whether the session's thread reply already
// landed within the suppression window.
func (ix *Index) ThreadReplyPosted(sessionID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	at, ok := ix.threadReplies[sessionID]
	return ok && ix.now().Sub(at) < threadReplyTTL
}

// MarkThreadReplyPosted flags a session's thread reply, returning false if
// one was already posted within the TTL (duplicate suppression).
func (ix *Index) MarkThreadReplyPosted(sessionID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if at, ok := ix.threadReplies[sessionID]; ok && ix.now().Sub(at) < threadReplyTTL {
		return false
	}
	ix.threadReplies[sessionID] = ix.now()
	return true
}

// Start launches the TTL sweeper. Runs at most once per minute.
func (ix *Index) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ix.mu.Lock()
	ix.cancel = cancel
	ix.mu.Unlock()

	go func() {
		ticker := time.NewTicker(indexSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ix.sweep()
			}
		}
	}()
}

// Shutdown stops the sweeper.
func (ix *Index) Shutdown() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.cancel != nil {
		ix.cancel()
		ix.cancel = nil
	}
}

func (ix *Index) sweep() {
	now := ix.now()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id, at := range ix.recentBotComments {
		if now.Sub(at) >= recentBotCommentTTL {
			delete(ix.recentBotComments, id)
		}
	}
	for id, at := range ix.threadReplies {
		if now.Sub(at) >= threadReplyTTL {
			delete(ix.threadReplies, id)
		}
	}
}
