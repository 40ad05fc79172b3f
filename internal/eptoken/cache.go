// Package eptoken caches EP access tokens per (corpId, appId), sharing
// one in-flight refresh across concurrent callers (spec.md §4.2).
package eptoken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const expiryBuffer = 60 * time.Second

// Fetcher performs the actual network call to EP's token endpoint.
// Implementations live in internal/epclient; this package only owns
// caching and single-flight coordination.
type Fetcher func(ctx context.Context, corpID, corpSecret string) (token string, ttl time.Duration, err error)

type entry struct {
	token   string
	expires time.Time
}

// Cache is a process-wide token cache, safe for concurrent use.
type Cache struct {
	fetch Fetcher

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

func New(fetch Fetcher) *Cache {
	return &Cache{
		fetch:   fetch,
		entries: make(map[string]entry),
	}
}

func key(corpID, appID string) string {
	return corpID + ":" + appID
}

// Get returns a cached token if it has more than expiryBuffer left
// before expiry; otherwise it refreshes, coalescing concurrent callers
// for the same (corpID, appID) onto one refresh call.
func (c *Cache) Get(ctx context.Context, corpID, corpSecret, appID string) (string, error) {
	k := key(corpID, appID)

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok && time.Now().Add(expiryBuffer).Before(e.expires) {
		return e.token, nil
	}

	v, err, _ := c.group.Do(k, func() (any, error) {
		// Re-check after winning the singleflight race: another
		// refresh may have completed while we were queued.
		c.mu.RLock()
		e, ok := c.entries[k]
		c.mu.RUnlock()
		if ok && time.Now().Add(expiryBuffer).Before(e.expires) {
			return e.token, nil
		}

		token, ttl, err := c.fetch(ctx, corpID, corpSecret)
		if err != nil {
			return "", fmt.Errorf("eptoken: refresh %s: %w", k, err)
		}
		if ttl <= 0 {
			ttl = 7200 * time.Second
		}

		c.mu.Lock()
		c.entries[k] = entry{token: token, expires: time.Now().Add(ttl)}
		c.mu.Unlock()

		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token for (corpID, appID), forcing the
// next Get to refresh. Used when an outbound call fails with an
// EP token-invalid error code (SPEC_FULL.md's retry-on-expiry
// supplement).
func (c *Cache) Invalidate(corpID, appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key(corpID, appID))
}
