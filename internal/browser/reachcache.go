// SPDX-License-Identifier: MIT

package browser

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ProbeFunc performs an uncached reachability check.
type ProbeFunc func(ctx context.Context, cdpOrigin string, timeout time.Duration) bool

// ReachCache memoises probe results in a bounded LRU with TTL so hot paths
// (sessionEnsure heartbeats, action resolution) do not hammer the endpoint.
// Safe for concurrent use.
type ReachCache struct {
	lru   *expirable.LRU[string, bool]
	probe ProbeFunc
}

// NewReachCache builds a cache of at most size entries expiring after ttl.
func NewReachCache(size int, ttl time.Duration, probe ProbeFunc) *ReachCache {
	if size < 1 {
		size = 1
	}
	return &ReachCache{
		lru:   expirable.NewLRU[string, bool](size, nil, ttl),
		probe: probe,
	}
}

// Probe returns the cached result when fresh, otherwise runs the underlying
// probe and caches its outcome.
func (c *ReachCache) Probe(ctx context.Context, cdpOrigin string, timeout time.Duration) bool {
	if reachable, ok := c.lru.Get(cdpOrigin); ok {
		return reachable
	}
	reachable := c.probe(ctx, cdpOrigin, timeout)
	c.lru.Add(cdpOrigin, reachable)
	return reachable
}

// Invalidate drops a cached result, forcing the next Probe to hit the
// endpoint. Called after relaunches and explicit repairs.
func (c *ReachCache) Invalidate(cdpOrigin string) {
	c.lru.Remove(cdpOrigin)
}
