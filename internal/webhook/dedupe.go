package webhook

import (
	"context"
	"sync"
	"time"
)

// dedupeTTL is the suppression window for repeat deliveries.
const dedupeTTL = 10 * time.Minute

// Deduplicator drops webhooks whose fingerprint was already seen within the
// TTL window. For two identical fingerprints arriving inside the window,
// exactly the first is processed.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	cancel context.CancelFunc

	now func() time.Time // test hook
}

// NewDeduplicator creates a deduplicator with the default TTL.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		seen: make(map[string]time.Time),
		ttl:  dedupeTTL,
		now:  time.Now,
	}
}

// IsDuplicate records the fingerprint and reports whether it was already
// seen within the window. First sight returns false.
func (d *Deduplicator) IsDuplicate(fingerprint string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[fingerprint]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[fingerprint] = now
	return false
}

// Start launches the background sweep that evicts expired entries.
func (d *Deduplicator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()
}

// Shutdown stops the sweeper.
func (d *Deduplicator) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

func (d *Deduplicator) sweep() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for fp, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, fp)
		}
	}
}
