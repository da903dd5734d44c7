package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Cache is a read-through TTL cache over account reads. Its values feed
// projections only; anything that moves funds reads the ledger directly.
type Cache struct {
	r   Reader
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[uint64]cacheEntry
}

type cacheEntry struct {
	st      AccountState
	missing bool
	at      time.Time
}

func NewCache(r Reader, ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{r: r, ttl: ttl, now: now, entries: map[uint64]cacheEntry{}}
}

// Get returns the cached state while it is younger than the TTL. When a
// refresh fails the last known value is returned with stale set.
func (c *Cache) Get(ctx context.Context, rumbleID uint64) (st AccountState, stale bool, err error) {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[rumbleID]
	c.mu.Unlock()
	if ok && now.Sub(e.at) < c.ttl {
		if e.missing {
			return AccountState{}, false, ErrAccountNotFound
		}
		return e.st, false, nil
	}

	fresh, err := c.r.ReadAccountState(ctx, rumbleID)
	switch {
	case err == nil:
		c.Observe(fresh)
		return fresh, false, nil
	case errors.Is(err, ErrAccountNotFound):
		c.mu.Lock()
		c.entries[rumbleID] = cacheEntry{missing: true, at: now}
		c.mu.Unlock()
		return AccountState{}, false, err
	case ok && !e.missing:
		return e.st, true, nil
	}
	return AccountState{}, false, err
}

// Observe stores a state read elsewhere, typically a fresh read the
// orchestrator made to gate a transition.
func (c *Cache) Observe(st AccountState) {
	at := st.FetchedAt
	if at.IsZero() {
		at = c.now()
	}
	c.mu.Lock()
	c.entries[st.RumbleID] = cacheEntry{st: st, at: at}
	c.mu.Unlock()
}

func (c *Cache) Invalidate(rumbleID uint64) {
	c.mu.Lock()
	delete(c.entries, rumbleID)
	c.mu.Unlock()
}
