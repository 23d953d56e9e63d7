package auth

import (
	"sync"
	"time"
)

// Cache holds the last-known session with a time-to-live. A stale read
// reports !fresh and never touches the network; refreshing is the token
// provider's job. Safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	session   *Session
	fetchedAt time.Time
	ttl       time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewCache creates a session cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl: ttl,
		now: time.Now,
	}
}

// Read returns the cached session and whether the cache entry is still
// within its TTL. A stale read still returns the stored session so its
// refresh token survives a TTL lapse; only Invalidate erases the entry.
// A nil session with fresh=true means "known signed out".
func (c *Cache) Read() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fetchedAt.IsZero() {
		return nil, false
	}
	if c.now().Sub(c.fetchedAt) >= c.ttl {
		return c.session, false
	}
	return c.session, true
}

// Write stores the session and stamps the entry with the current time.
func (c *Cache) Write(session *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = session
	c.fetchedAt = c.now()
}

// Invalidate clears the entry unconditionally. Called on sign-out and on
// any refresh failure so a failed session is never served.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = nil
	c.fetchedAt = time.Time{}
}
