// Package cache holds the in-process candidate rule cache and the cluster
// invalidation subscriber that keeps it coherent across nodes.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/tessara/accesscore/pkg/types"
)

// RuleSource loads candidate sets from authoritative storage on a miss.
type RuleSource interface {
	ActiveRules(ctx context.Context, orgID, areaID string, subject types.SubjectType) ([]types.Rule, error)
}

// CandidateCache caches immutable candidate snapshots keyed by
// (org, area, subject). Event-driven invalidation is the primary mechanism;
// the TTL is only a safety net against missed events.
type CandidateCache struct {
	source RuleSource
	cache  *ristretto.Cache
	ttl    time.Duration
}

func NewCandidateCache(source RuleSource, maxEntries int64, ttl time.Duration) (*CandidateCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cache.NewCandidateCache: %w", err)
	}
	return &CandidateCache{source: source, cache: c, ttl: ttl}, nil
}

func cacheKey(orgID, areaID string, subject types.SubjectType) string {
	return orgID + "|" + areaID + "|" + string(subject)
}

// Candidates returns the cached snapshot, loading through to the rule source
// on a miss. The returned slice is a shared snapshot; callers must not
// mutate it.
func (c *CandidateCache) Candidates(ctx context.Context, orgID, areaID string, subject types.SubjectType) ([]types.Rule, error) {
	key := cacheKey(orgID, areaID, subject)
	if v, ok := c.cache.Get(key); ok {
		hitsTotal.Inc()
		return v.([]types.Rule), nil
	}
	missesTotal.Inc()

	rules, err := c.source.ActiveRules(ctx, orgID, areaID, subject)
	if err != nil {
		return nil, fmt.Errorf("cache.Candidates load: %w", err)
	}
	c.cache.SetWithTTL(key, rules, 1, c.ttl)
	return rules, nil
}

// InvalidateArea drops every subject variant for (org, area).
func (c *CandidateCache) InvalidateArea(orgID, areaID string) {
	for _, subject := range types.SubjectTypes {
		c.cache.Del(cacheKey(orgID, areaID, subject))
	}
	invalidationsTotal.WithLabelValues("area").Inc()
}

// InvalidateAll clears the whole cache.
func (c *CandidateCache) InvalidateAll() {
	c.cache.Clear()
	invalidationsTotal.WithLabelValues("all").Inc()
}

// Wait flushes pending cache writes. Test-only determinism hook.
func (c *CandidateCache) Wait() {
	c.cache.Wait()
}
