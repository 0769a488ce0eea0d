package access

import (
	"sync"

	"golang.org/x/time/rate"
)

const maxTrackedTenants = 10_000

// tenantLimiter keeps one token bucket per tenant in a bounded LRU map so a
// flood of unknown org ids cannot grow memory without bound.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	order    []string
	perSec   int
}

func newTenantLimiter(perSec int) *tenantLimiter {
	return &tenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		perSec:   perSec,
	}
}

func (t *tenantLimiter) allow(orgID string) bool {
	if t.perSec <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.limiters[orgID]
	if ok {
		for i, k := range t.order {
			if k == orgID {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
		t.order = append(t.order, orgID)
		return lim.Allow()
	}

	if len(t.limiters) >= maxTrackedTenants {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.limiters, oldest)
	}

	lim = rate.NewLimiter(rate.Limit(t.perSec), t.perSec*2)
	t.limiters[orgID] = lim
	t.order = append(t.order, orgID)
	return lim.Allow()
}
