package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const unrespondedSweepInterval = time.Minute

// Unresponded tracks comments that received a ⏳ reaction but no reply yet.
// Entries past the timeout are logged as alerts so a stalled or failed
// session does not silently leave a user waiting.
type Unresponded struct {
	mu      sync.Mutex
	pending map[string]unrespondedEntry // comment id → entry
	timeout time.Duration
	cancel  context.CancelFunc
	now     func() time.Time
}

type unrespondedEntry struct {
	sessionID string
	since     time.Time
	alerted   bool
}

// NewUnresponded creates the tracker with the given alert timeout.
func NewUnresponded(timeout time.Duration) *Unresponded {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Unresponded{
		pending: make(map[string]unrespondedEntry),
		timeout: timeout,
		now:     time.Now,
	}
}

// Mark records a comment awaiting a response.
func (u *Unresponded) Mark(commentID, sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pending[commentID] = unrespondedEntry{sessionID: sessionID, since: u.now()}
}

// Resolve clears a comment once it has been answered.
func (u *Unresponded) Resolve(commentID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.pending, commentID)
}

// Pending returns how many comments are still awaiting a response.
func (u *Unresponded) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// Start launches the sweeper.
func (u *Unresponded) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()

	go func() {
		ticker := time.NewTicker(unrespondedSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				u.sweep()
			}
		}
	}()
}

// Shutdown stops the sweeper.
func (u *Unresponded) Shutdown() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
}

func (u *Unresponded) sweep() {
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()
	for id, entry := range u.pending {
		if entry.alerted || now.Sub(entry.since) < u.timeout {
			continue
		}
		entry.alerted = true
		u.pending[id] = entry
		slog.Warn("comment still unresponded",
			"comment", id,
			"session", entry.sessionID,
			"waiting", now.Sub(entry.since).Round(time.Second),
		)
	}
}
