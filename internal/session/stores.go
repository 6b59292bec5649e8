package session

import (
	"log/slog"
	"sync"
)

// Snapshot is the durable shape of all session state.
type Snapshot struct {
	AgentSessions       map[string]map[string]AgentSession `json:"agentSessions"`       // repoID → sessionID → session
	AgentSessionEntries map[string]map[string][]Entry      `json:"agentSessionEntries"` // repoID → sessionID → entries
}

// Persister stores and restores snapshots. Ephemeral structures (dedup
// windows, bot provenance, child↔parent links, reactions) are never
// persisted; they rebuild lazily after restart.
type Persister interface {
	Save(snap Snapshot) error
	Load() (*Snapshot, error)
}

// Stores owns one Store per repository plus the shared persister.
// Writes from any store flush the full snapshot; the session-level
// single-writer rule keeps this cheap and race-free.
type Stores struct {
	mu        sync.RWMutex
	byRepo    map[string]*Store
	persister Persister
}

// NewStores creates the store set. persister may be nil (tests).
func NewStores(persister Persister) *Stores {
	return &Stores{
		byRepo:    make(map[string]*Store),
		persister: persister,
	}
}

// For returns the repository's store, creating it on first use.
func (s *Stores) For(repoID string) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byRepo[repoID]
	if !ok {
		st = newStore(repoID, s.Flush)
		s.byRepo[repoID] = st
	}
	return st
}

// Remove drops a repository's store (config reload removed the repo).
func (s *Stores) Remove(repoID string) {
	s.mu.Lock()
	delete(s.byRepo, repoID)
	s.mu.Unlock()
	s.Flush()
}

// RepoIDs lists repositories with a store.
func (s *Stores) RepoIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byRepo))
	for id := range s.byRepo {
		ids = append(ids, id)
	}
	return ids
}

// FindSession looks a session up across every repository. Used for
// child→parent resumption, where the parent may live in another repo.
func (s *Stores) FindSession(sessionID string) (*AgentSession, *Store) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.byRepo {
		if sess := st.Get(sessionID); sess != nil {
			return sess, st
		}
	}
	return nil, nil
}

// Snapshot builds the serializable state of every store.
func (s *Stores) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		AgentSessions:       make(map[string]map[string]AgentSession, len(s.byRepo)),
		AgentSessionEntries: make(map[string]map[string][]Entry, len(s.byRepo)),
	}
	for repoID, st := range s.byRepo {
		sessions, entries := st.snapshot()
		snap.AgentSessions[repoID] = sessions
		snap.AgentSessionEntries[repoID] = entries
	}
	return snap
}

// Flush persists the current snapshot.
func (s *Stores) Flush() {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(s.Snapshot()); err != nil {
		slog.Error("session state save failed", "error", err)
	}
}

// Load restores persisted state into per-repository stores.
func (s *Stores) Load() error {
	if s.persister == nil {
		return nil
	}
	snap, err := s.persister.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	for repoID, sessions := range snap.AgentSessions {
		s.For(repoID).restore(sessions, snap.AgentSessionEntries[repoID])
	}
	count := 0
	for _, m := range snap.AgentSessions {
		count += len(m)
	}
	slog.Info("session state restored", "repositories", len(snap.AgentSessions), "sessions", count)
	return nil
}
