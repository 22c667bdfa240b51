package decision

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/pkg/redis"
)

// decisionCache caches routing decisions for 24 hours. Redis is the shared
// tier when available; a local map serves single-process deployments and
// doubles as a fast path in front of Redis.
type decisionCache struct {
	client *redis.Client

	mu    sync.RWMutex
	local map[string]*Decision
}

// NewCache creates a decision cache. client may be nil.
func NewCache(client *redis.Client) *decisionCache {
	return newDecisionCache(client)
}

func newDecisionCache(client *redis.Client) *decisionCache {
	return &decisionCache{client: client, local: make(map[string]*Decision)}
}

func (c *decisionCache) get(key string) (*Decision, bool) {
	c.mu.RLock()
	d, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		if time.Since(d.CachedAt) < config.DecisionCacheTTL {
			return d, true
		}
		c.mu.Lock()
		delete(c.local, key)
		c.mu.Unlock()
	}

	if c.client == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var cached Decision
	if err := c.client.Get(ctx, redis.PrefixDecisions+key, &cached); err != nil {
		return nil, false
	}
	cached.CachedAt = time.Now()
	c.mu.Lock()
	c.local[key] = &cached
	c.mu.Unlock()
	return &cached, true
}

func (c *decisionCache) put(key string, d *Decision) {
	c.mu.Lock()
	c.local[key] = d
	c.mu.Unlock()

	if c.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.client.Set(ctx, redis.PrefixDecisions+key, d, config.DecisionCacheTTL)
}

// Invalidate drops the local cache, e.g. after a catalog reload
func (c *decisionCache) Invalidate() {
	c.mu.Lock()
	c.local = make(map[string]*Decision)
	c.mu.Unlock()
}

// cacheKey hashes the routing-relevant request shape. Users only bucket by
// plan tier, so cache entries are shared across users on the same tier.
func cacheKey(req Request, user UserContext) string {
	bucket := "premium"
	if user.FreePlan {
		bucket = "free"
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s",
		req.Endpoint, req.Model, strings.Join(req.RequiredCapabilities, ","), bucket)
	return fmt.Sprintf("%x", h.Sum64())
}
