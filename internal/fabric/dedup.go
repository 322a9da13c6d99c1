package fabric

import (
	"sync"
	"time"
)

// Deduper tracks event fingerprints inside the dedup window. Duplicate
// deliveries are dropped silently; the window must cover at least 24h.
type Deduper struct {
	mu     sync.Mutex
	seen   map[Fingerprint]time.Time
	window time.Duration
	now    func() time.Time
}

// NewDeduper creates a deduper with the given retention window.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		seen:   make(map[Fingerprint]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Check records the fingerprint and reports whether it was already seen
// inside the window. First delivery returns false.
func (d *Deduper) Check(fp Fingerprint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seenAt, ok := d.seen[fp]; ok && now.Sub(seenAt) < d.window {
		return true
	}
	d.seen[fp] = now
	return false
}

// Sweep drops fingerprints older than the window. Called periodically by the
// scheduler.
func (d *Deduper) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	removed := 0
	for fp, seenAt := range d.seen {
		if seenAt.Before(cutoff) {
			delete(d.seen, fp)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked fingerprints.
func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
