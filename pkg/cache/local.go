package cache

import (
	"context"

	"github.com/tessara/accesscore/pkg/events"
)

// LocalInvalidator is the in-process subscriber for policy events. The node
// that wrote a rule change invalidates its own cache immediately instead of
// waiting for the outbox dispatcher and the redis round trip.
type LocalInvalidator struct {
	cache Invalidator
}

func NewLocalInvalidator(cache Invalidator) *LocalInvalidator {
	return &LocalInvalidator{cache: cache}
}

func (l *LocalInvalidator) HandleEvent(_ context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.PolicyChanged:
		l.cache.InvalidateArea(e.OrgID, e.AreaID)
	case events.InvalidateAllRequested:
		l.cache.InvalidateAll()
	}
	return nil
}
