package cache

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tessara/accesscore/pkg/events"
)

// DefaultPolicyChannel is the redis channel the dispatcher fans policy
// events out on.
const DefaultPolicyChannel = "accesscore.policy"

// Invalidator is the cache surface the subscriber drives.
type Invalidator interface {
	InvalidateArea(orgID, areaID string)
	InvalidateAll()
}

// Subscriber applies cluster-wide policy invalidations to the local cache.
// One runs on every node; delivery is eventually consistent by design.
type Subscriber struct {
	rdb     *redis.Client
	channel string
	cache   Invalidator
	log     *slog.Logger
}

func NewSubscriber(rdb *redis.Client, channel string, cache Invalidator, log *slog.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultPolicyChannel
	}
	return &Subscriber{rdb: rdb, channel: channel, cache: cache, log: log}
}

// Run consumes the policy channel until the context is cancelled. Malformed
// messages are logged and dropped; they must never wedge the subscription.
func (s *Subscriber) Run(ctx context.Context) error {
	ps := s.rdb.Subscribe(ctx, s.channel)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.apply(msg.Payload)
		}
	}
}

func (s *Subscriber) apply(payload string) {
	var env events.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		s.log.Warn("policy message unmarshal failed", "error", err)
		return
	}

	switch env.EventType {
	case events.TypePolicyChanged:
		var ev events.PolicyChanged
		if err := json.Unmarshal([]byte(env.Payload), &ev); err != nil {
			s.log.Warn("policy changed payload unmarshal failed", "id_event", env.IDEvent, "error", err)
			return
		}
		s.cache.InvalidateArea(ev.OrgID, ev.AreaID)
		s.log.Debug("candidate cache invalidated",
			"org_id", ev.OrgID, "area_id", ev.AreaID, "rule_id", ev.RuleID, "change", ev.ChangeType)
	case events.TypeInvalidateAllRequested:
		s.cache.InvalidateAll()
		s.log.Info("candidate cache cleared", "org_id", env.OrgID)
	default:
		s.log.Warn("unexpected event on policy channel", "event_type", env.EventType)
	}
}
