package session

import (
	"log/slog"
	"sync"
	"time"
)

// Store is the session + entry map for one repository. Each session is
// single-writer (the orchestrator serializes per session), so simple
// read-write locking suffices; there are no cross-partition locks.
type Store struct {
	repoID string

	mu       sync.RWMutex
	sessions map[string]*AgentSession
	entries  map[string][]Entry

	// flush persists the full snapshot after a state-advancing mutation.
	flush func()
}

func newStore(repoID string, flush func()) *Store {
	return &Store{
		repoID:   repoID,
		sessions: make(map[string]*AgentSession),
		entries:  make(map[string][]Entry),
		flush:    flush,
	}
}

// RepoID returns the repository this store belongs to.
func (s *Store) RepoID() string { return s.repoID }

// Get returns a copy of the session, or nil.
func (s *Store) Get(id string) *AgentSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// GetForIssue returns copies of every session bound to an issue.
func (s *Store) GetForIssue(issueID string) []*AgentSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AgentSession
	for _, sess := range s.sessions {
		if sess.IssueID == issueID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out
}

// IDs returns all session ids in the store.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Upsert inserts or replaces a session and persists.
func (s *Store) Upsert(sess *AgentSession) {
	now := time.Now()
	s.mu.Lock()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.mu.Unlock()
	s.persist()
}

// Mutate applies fn to the stored session under the lock, then persists.
// Returns false when the session does not exist.
func (s *Store) Mutate(id string, fn func(*AgentSession)) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		fn(sess)
		sess.UpdatedAt = time.Now()
	}
	s.mu.Unlock()
	if ok {
		s.persist()
	}
	return ok
}

// SetStatus updates the session status.
func (s *Store) SetStatus(id string, status Status) bool {
	return s.Mutate(id, func(sess *AgentSession) { sess.Status = status })
}

// SetAssistantSessionID records the assistant's resumption handle.
func (s *Store) SetAssistantSessionID(id, assistantSessionID string) bool {
	return s.Mutate(id, func(sess *AgentSession) { sess.AssistantSessionID = assistantSessionID })
}

// SetAssistant attaches or clears the live supervisor reference.
// Runtime-only: does not persist.
func (s *Store) SetAssistant(id string, handle AssistantHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		sess.Assistant = handle
	}
	return ok
}

// Assistant returns the live supervisor reference, or nil.
func (s *Store) Assistant(id string) AssistantHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Assistant
	}
	return nil
}

// SetProcedureState replaces the session's procedure metadata. The
// subroutine index never moves backward.
func (s *Store) SetProcedureState(id string, state ProcedureState) bool {
	return s.Mutate(id, func(sess *AgentSession) {
		if prev := sess.Metadata.Procedure; prev != nil && prev.Name == state.Name && state.CurrentIndex < prev.CurrentIndex {
			slog.Warn("refusing procedure index regression",
				"session", id, "from", prev.CurrentIndex, "to", state.CurrentIndex)
			return
		}
		sess.Metadata.Procedure = &state
	})
}

// AppendChangeRecord appends an issue edit to the session's history.
func (s *Store) AppendChangeRecord(id string, rec ChangeRecord) bool {
	return s.Mutate(id, func(sess *AgentSession) {
		sess.Metadata.IssueChangeHistory = append(sess.Metadata.IssueChangeHistory, rec)
	})
}

// SetResponseTemplate stores the select-template subroutine's choice.
func (s *Store) SetResponseTemplate(id, template string) bool {
	return s.Mutate(id, func(sess *AgentSession) { sess.Metadata.ResponseTemplate = template })
}

// AppendEntry appends a turn to the session's entry log and persists.
func (s *Store) AppendEntry(id string, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.entries[id] = append(s.entries[id], entry)
	s.mu.Unlock()
	s.persist()
}

// Entries returns a copy of the session's entry log.
func (s *Store) Entries(id string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.entries[id]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Delete removes a session and its entries.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	delete(s.entries, id)
	s.mu.Unlock()
	s.persist()
}

func (s *Store) persist() {
	if s.flush != nil {
		s.flush()
	}
}

// snapshot returns serializable copies of sessions and entries.
func (s *Store) snapshot() (map[string]AgentSession, map[string][]Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make(map[string]AgentSession, len(s.sessions))
	for id, sess := range s.sessions {
		cp := *sess
		cp.Assistant = nil
		sessions[id] = cp
	}
	entries := make(map[string][]Entry, len(s.entries))
	for id, list := range s.entries {
		cp := make([]Entry, len(list))
		copy(cp, list)
		entries[id] = cp
	}
	return sessions, entries
}

// restore loads persisted state into the store. Live references and
// in-flight statuses are reset: a restored "active" session has no
// assistant until the next prompt resumes it.
func (s *Store) restore(sessions map[string]AgentSession, entries map[string][]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range sessions {
		cp := sess
		cp.Assistant = nil
		if cp.Status == StatusActive {
			cp.Status = StatusPending
		}
		s.sessions[id] = &cp
	}
	for id, list := range entries {
		cp := make([]Entry, len(list))
		copy(cp, list)
		s.entries[id] = cp
	}
}
