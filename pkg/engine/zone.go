package engine

import (
	"context"
	"sync"
	"time"
)

// ZoneStore is the persistence seam for zone lookups.
type ZoneStore interface {
	AreaZone(ctx context.Context, orgID, areaID string) (string, error)
}

// StoreZoneProvider resolves zones from the database with a small in-process
// memo. Zones change rarely; entries expire on a TTL rather than by event.
type StoreZoneProvider struct {
	store ZoneStore
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]zoneEntry
}

type zoneEntry struct {
	loc      *time.Location
	cachedAt time.Time
}

func NewStoreZoneProvider(store ZoneStore, ttl time.Duration) *StoreZoneProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StoreZoneProvider{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]zoneEntry),
	}
}

// Zone returns the effective location for (org, area). Lookup or parse
// failures return an error; the engine is responsible for the UTC fallback.
func (p *StoreZoneProvider) Zone(ctx context.Context, orgID, areaID string) (*time.Location, error) {
	key := orgID + "|" + areaID

	p.mu.RLock()
	e, ok := p.entries[key]
	p.mu.RUnlock()
	if ok && time.Since(e.cachedAt) < p.ttl {
		return e.loc, nil
	}

	name, err := p.store.AreaZone(ctx, orgID, areaID)
	if err != nil {
		return nil, err
	}
	var loc *time.Location
	if name == "" {
		loc = time.UTC
	} else {
		loc, err = time.LoadLocation(name)
		if err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	p.entries[key] = zoneEntry{loc: loc, cachedAt: time.Now()}
	p.mu.Unlock()
	return loc, nil
}
