package ruleengine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// resolutionCache memoises resolutions for one dispatch, keyed by
// (variable_key, subject). It is created at the start of a dispatch and
// dropped when the dispatch returns.
type resolutionCache struct {
	mu     sync.RWMutex
	values map[string]Resolution
	group  singleflight.Group
}

func newResolutionCache() *resolutionCache {
	return &resolutionCache{values: make(map[string]Resolution)}
}

func cacheKey(variableKey, subject string) string {
	return variableKey + "\x00" + subject
}

func (c *resolutionCache) get(key string) (Resolution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.values[key]
	return res, ok
}

func (c *resolutionCache) put(key string, res Resolution) {
	c.mu.Lock()
	c.values[key] = res
	c.mu.Unlock()
}

// do returns a cached resolution or computes it once, sharing the in-flight
// computation with concurrent callers for the same key. The computation runs
// under the context of the caller that started it, so a joined caller whose
// own context is still live recomputes when the shared result is a context
// error. Each caller stops waiting when its own ctx is done.
func (c *resolutionCache) do(ctx context.Context, key string, compute func(ctx context.Context) Resolution) Resolution {
	if res, ok := c.get(key); ok {
		return res
	}
	ch := c.group.DoChan(key, func() (res any, err error) {
		if cached, ok := c.get(key); ok {
			return cached, nil
		}
		// DoChan runs fn on its own goroutine, where a panic would not reach
		// the rule's recover.
		defer func() {
			if p := recover(); p != nil {
				res = Resolution{Status: StatusError, Err: fmt.Errorf("panic: %v", p)}
			}
		}()
		computed := compute(ctx)
		if computed.cacheable() {
			c.put(key, computed)
		}
		return computed, nil
	})

	var res Resolution
	select {
	case r := <-ch:
		res = r.Val.(Resolution)
	case <-ctx.Done():
		return Resolution{Status: StatusError, Err: ctx.Err()}
	}
	if res.cacheable() || ctx.Err() != nil {
		return res
	}

	res = compute(ctx)
	if res.cacheable() {
		c.put(key, res)
	}
	return res
}

// len is used by tests.
func (c *resolutionCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
