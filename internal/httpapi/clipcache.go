package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type clip struct {
	data        []byte
	contentType string
	expiresAt   time.Time
}

// ClipCache holds synthesized audio for the short window between producing a
// reply and the telephony platform fetching it.
type ClipCache struct {
	mu    sync.RWMutex
	clips map[string]clip
	ttl   time.Duration
}

func NewClipCache(ttl time.Duration) *ClipCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ClipCache{clips: make(map[string]clip), ttl: ttl}
}

// Put stores audio and returns the clip id it is served under.
func (c *ClipCache) Put(data []byte, contentType string) string {
	id := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clips[id] = clip{data: data, contentType: contentType, expiresAt: time.Now().Add(c.ttl)}
	return id
}

func (c *ClipCache) Get(id string) ([]byte, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.clips[id]
	if !ok || time.Now().After(cl.expiresAt) {
		return nil, "", false
	}
	return cl.data, cl.contentType, true
}

func (c *ClipCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clips)
}

// StartJanitor evicts expired clips until ctx is done.
func (c *ClipCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evictExpired()
			}
		}
	}()
}

func (c *ClipCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cl := range c.clips {
		if now.After(cl.expiresAt) {
			delete(c.clips, id)
		}
	}
}
