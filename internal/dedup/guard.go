// Package dedup tracks recently seen external update identifiers inside a
// rolling window. It is a per-instance, best-effort signal: counts are not
// shared across processes and reset on restart.
package dedup

import (
	"sync"
	"time"
)

type entry struct {
	firstSeenAt time.Time
	count       int
}

// Guard counts sightings of an external id within a TTL window. Entries
// expire lazily on access plus an occasional full sweep, so no background
// goroutine is required.
type Guard struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*entry

	lastSweep     time.Time
	sweepInterval time.Duration
}

func NewGuard(ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Guard{
		ttl:           ttl,
		entries:       make(map[string]*entry),
		sweepInterval: ttl,
	}
}

// Seen records one sighting of id and returns the total number of sightings
// within the current window, including this one. The read-modify-write is
// atomic per key.
func (g *Guard) Seen(id string, now time.Time) int {
	if now.IsZero() {
		now = time.Now()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeSweep(now)

	e, ok := g.entries[id]
	if ok && now.Sub(e.firstSeenAt) >= g.ttl {
		ok = false
	}
	if !ok {
		g.entries[id] = &entry{firstSeenAt: now, count: 1}
		return 1
	}
	e.count++
	return e.count
}

// Len reports the number of tracked ids, expired entries included until the
// next sweep.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Guard) maybeSweep(now time.Time) {
	if !g.lastSweep.IsZero() && now.Sub(g.lastSweep) < g.sweepInterval {
		return
	}
	for id, e := range g.entries {
		if now.Sub(e.firstSeenAt) >= g.ttl {
			delete(g.entries, id)
		}
	}
	g.lastSweep = now
}
