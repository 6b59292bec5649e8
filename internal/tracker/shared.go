package tracker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// requestsPerSecond is the per-token request budget. Burst equals the limit
// so a quiet token can absorb a webhook flurry without queueing.
const requestsPerSecond = 10

// Shared holds the rate limiter and response cache for one tracker token.
// Every repository using that token shares the same instance.
type Shared struct {
	limiter *rate.Limiter
	cache   *responseCache
}

// NewShared creates the shared per-token resources.
func NewShared() *Shared {
	return &Shared{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		cache:   newResponseCache(),
	}
}

// SharedSet manages Shared instances keyed by token and runs their cache
// sweeper. Explicit lifecycle per the session-index pattern: Start/Shutdown,
// no package globals.
type SharedSet struct {
	mu     sync.Mutex
	byTok  map[string]*Shared
	cancel context.CancelFunc
}

// NewSharedSet creates an empty shared-resource registry.
func NewSharedSet() *SharedSet {
	return &SharedSet{byTok: make(map[string]*Shared)}
}

// For returns the Shared resources for token, creating them on first use.
func (s *SharedSet) For(token string) *Shared {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.byTok[token]
	if !ok {
		sh = NewShared()
		s.byTok[token] = sh
	}
	return sh
}

// Drop removes the resources for token (last repository on it was removed).
func (s *SharedSet) Drop(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTok, token)
}

// Start launches the cache sweeper.
func (s *SharedSet) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				for _, sh := range s.byTok {
					sh.cache.sweep()
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Shutdown stops the sweeper.
func (s *SharedSet) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
