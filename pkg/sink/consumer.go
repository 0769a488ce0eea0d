// Package sink consumes the dead-letter and parking-lot redis streams and
// records each entry in the audit log. It never drops a stream entry: every
// message is acknowledged after the audit write, and the audit table dedupes
// replays on its event key.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tessara/accesscore/pkg/events"
	"github.com/tessara/accesscore/pkg/outbox"
	"github.com/tessara/accesscore/pkg/types"
)

const (
	ConsumerGroup = "accesscore-sentinel"

	// Audit event types recorded per stream.
	auditDeadLettered = "outbox.dead_lettered"
	auditParked       = "outbox.parked"
)

// auditLog is the persistence seam; *store.AuditStore satisfies it.
type auditLog interface {
	Append(ctx context.Context, rec types.AuditRecord) (bool, error)
}

// streamReader is the slice of the redis client the consumer uses.
type streamReader interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Consumer drains one stream into the audit log.
type Consumer struct {
	log      *slog.Logger
	rdb      streamReader
	audit    auditLog
	stream   string
	consumer string
	block    time.Duration
}

func NewConsumer(log *slog.Logger, rdb streamReader, audit auditLog, stream, consumerName string) *Consumer {
	return &Consumer{
		log:      log,
		rdb:      rdb,
		audit:    audit,
		stream:   stream,
		consumer: consumerName,
		block:    5 * time.Second,
	}
}

// Run creates the consumer group if needed and reads until the context is
// canceled.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    64,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.log.ErrorContext(ctx, "stream read failed", "stream", c.stream, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

// handle records one stream entry and acknowledges it. Malformed entries are
// logged and acknowledged too: replaying them cannot make them parse.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	defer func() {
		if err := c.rdb.XAck(ctx, c.stream, ConsumerGroup, msg.ID).Err(); err != nil {
			c.log.ErrorContext(ctx, "stream ack failed",
				"stream", c.stream, "message_id", msg.ID, "error", err)
		}
	}()

	raw, _ := msg.Values["envelope"].(string)
	var env events.Envelope
	if raw == "" || json.Unmarshal([]byte(raw), &env) != nil {
		consumedTotal.WithLabelValues(c.stream, "malformed").Inc()
		c.log.WarnContext(ctx, "malformed stream entry",
			"stream", c.stream, "message_id", msg.ID)
		return
	}

	payload, err := json.Marshal(map[string]interface{}{
		"envelope":    env,
		"error_class": stringValue(msg.Values, "error_class"),
		"error_msg":   stringValue(msg.Values, "error_msg"),
		"http_status": stringValue(msg.Values, "http_status"),
		"attempts":    stringValue(msg.Values, "attempts"),
	})
	if err != nil {
		consumedTotal.WithLabelValues(c.stream, "malformed").Inc()
		return
	}

	eventType := auditDeadLettered
	if c.stream == outbox.ParkingStream {
		eventType = auditParked
	}

	inserted, err := c.audit.Append(ctx, types.AuditRecord{
		OrgID:       env.OrgID,
		EventKey:    types.AuditEventKey(env.OrgID, eventType, env.IDEvent, env.OccurredAt),
		EventType:   eventType,
		AggregateID: env.IDEvent,
		Payload:     payload,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		consumedTotal.WithLabelValues(c.stream, "audit_error").Inc()
		c.log.ErrorContext(ctx, "audit append failed",
			"stream", c.stream, "event_id", env.IDEvent, "error", err)
		return
	}
	if !inserted {
		consumedTotal.WithLabelValues(c.stream, "duplicate").Inc()
		return
	}
	consumedTotal.WithLabelValues(c.stream, "recorded").Inc()
	c.log.InfoContext(ctx, "terminal event recorded",
		"stream", c.stream,
		"org_id", env.OrgID,
		"event_id", env.IDEvent,
		"event_type", env.EventType,
	)
}

func stringValue(values map[string]interface{}, key string) string {
	if s, ok := values[key].(string); ok {
		return s
	}
	return ""
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
