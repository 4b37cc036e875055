package sandbox

import (
	"sync"
	"time"
)

// handleCache is a short-lived in-process map of project id to sandbox
// handle. It avoids redundant reconnects within one work window and is
// explicitly best-effort: every read path tolerates a miss by falling back
// to the durable session record, which stays the source of truth.
type handleCache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	handle    *Handle
	expiresAt time.Time
}

func newHandleCache(ttl time.Duration, now func() time.Time) *handleCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &handleCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

// get returns the cached handle for a project, expiring lazily.
func (c *handleCache) get(projectID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[projectID]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, projectID)
		return nil, false
	}
	return entry.handle, true
}

func (c *handleCache) put(projectID string, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[projectID] = cacheEntry{handle: h, expiresAt: c.now().Add(c.ttl)}
}

// invalidate drops any cache entry pointing at the sandbox.
func (c *handleCache) invalidate(sandboxID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for projectID, entry := range c.entries {
		if entry.handle.SandboxID == sandboxID {
			delete(c.entries, projectID)
		}
	}
}
