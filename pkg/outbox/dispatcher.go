package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tessara/accesscore/pkg/events"
	"github.com/tessara/accesscore/pkg/store"
	"github.com/tessara/accesscore/pkg/types"
)

// Redis streams terminal rows are copied to. Sentinel consumes both.
const (
	DLQStream     = "accesscore.outbox.dlq"
	ParkingStream = "accesscore.outbox.parking"
)

// eventStore is the slice of the outbox store the dispatcher uses.
type eventStore interface {
	ClaimBatch(ctx context.Context, instanceID string, limit int, lockTTL time.Duration) ([]types.OutboxEvent, error)
	Reclaim(ctx context.Context, id, instanceID string, lockTTL time.Duration) (bool, error)
	MarkPublished(ctx context.Context, id, instanceID string, lockTTL time.Duration) (bool, error)
	MarkRetry(ctx context.Context, id, instanceID string, lockTTL time.Duration, nextAttemptAt time.Time, errCode, errMsg string, httpStatus int) (bool, error)
	MarkFailed(ctx context.Context, id, instanceID string, lockTTL time.Duration, errCode, errMsg string, httpStatus int) (bool, error)
	ReleaseExpiredLocks(ctx context.Context, lockTTL time.Duration) (int64, error)
	Depths(ctx context.Context) (store.Depths, error)
}

// sinkTransport delivers one envelope to the downstream webhook sink.
type sinkTransport interface {
	Deliver(ctx context.Context, env events.Envelope) error
}

// policyBus fans policy envelopes out to the in-cluster invalidation channel
// and copies terminal rows to the dead-letter streams. *redis.Client
// satisfies it.
type policyBus interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Config tunes one dispatcher instance.
type Config struct {
	InstanceID    string
	BatchSize     int
	LockTTL       time.Duration
	MaxAttempts   int
	PolicyChannel string
	Schedule      RetrySchedule
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Schedule == (RetrySchedule{}) {
		c.Schedule = DefaultSchedule()
	}
}

// Dispatcher claims due rows and pushes each to its transport. Events under
// "policy." go to the redis invalidation channel, everything else to the
// webhook sink.
type Dispatcher struct {
	log   *slog.Logger
	store eventStore
	sink  sinkTransport
	bus   policyBus
	cfg   Config
	now   func() time.Time
}

func NewDispatcher(log *slog.Logger, st eventStore, sink sinkTransport, bus policyBus, cfg Config) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{
		log:   log,
		store: st,
		sink:  sink,
		bus:   bus,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.log.ErrorContext(ctx, "dispatch cycle failed", "error", err)
			}
		}
	}
}

// RunOnce claims and dispatches one batch, returning the number of rows
// processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimBatch(ctx, d.cfg.InstanceID, d.cfg.BatchSize, d.cfg.LockTTL)
	if err != nil {
		return 0, err
	}
	for i := range batch {
		d.dispatchOne(ctx, &batch[i])
	}
	return len(batch), nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, row *types.OutboxEvent) {
	// Re-claim before transporting. The batch claim can outlive its lock on a
	// slow cycle; transporting a row another instance now owns would
	// double-deliver it.
	ok, err := d.store.Reclaim(ctx, row.ID, d.cfg.InstanceID, d.cfg.LockTTL)
	if err != nil {
		d.log.ErrorContext(ctx, "reclaim failed", "event_id", row.ID, "error", err)
		return
	}
	if !ok {
		dispatchedTotal.WithLabelValues("lost_ownership").Inc()
		return
	}

	env := events.Envelope{
		IDEvent:       row.ID,
		OrgID:         row.OrgID,
		EventType:     row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		OccurredAt:    row.CreatedAt,
		Payload:       string(row.Payload),
	}

	err = d.deliver(ctx, env)
	if err == nil {
		ok, mErr := d.store.MarkPublished(ctx, row.ID, d.cfg.InstanceID, d.cfg.LockTTL)
		if mErr != nil {
			d.log.ErrorContext(ctx, "mark published failed", "event_id", row.ID, "error", mErr)
			return
		}
		if !ok {
			// Another instance finalized the row; delivery is at-least-once.
			dispatchedTotal.WithLabelValues("lost_ownership").Inc()
			return
		}
		dispatchedTotal.WithLabelValues("published").Inc()
		deliveryLagSeconds.Observe(d.now().Sub(row.CreatedAt).Seconds())
		return
	}

	f := asFailure(err)
	attempts := row.Attempts + 1

	switch {
	case !f.Retryable():
		d.terminate(ctx, row, env, f, DLQStream, "dead_lettered")
	case attempts >= d.cfg.MaxAttempts:
		d.terminate(ctx, row, env, f, ParkingStream, "parked")
	default:
		next := d.cfg.Schedule.Next(d.now(), attempts, f.RetryAfter)
		ok, mErr := d.store.MarkRetry(ctx, row.ID, d.cfg.InstanceID, d.cfg.LockTTL,
			next, f.Class, f.Error(), f.HTTPStatus)
		if mErr != nil {
			d.log.ErrorContext(ctx, "mark retry failed", "event_id", row.ID, "error", mErr)
			return
		}
		if !ok {
			dispatchedTotal.WithLabelValues("lost_ownership").Inc()
			return
		}
		dispatchedTotal.WithLabelValues("retried").Inc()
		d.log.WarnContext(ctx, "event delivery rescheduled",
			"event_id", row.ID,
			"event_type", row.EventType,
			"org_id", row.OrgID,
			"attempts", attempts,
			"class", f.Class,
			"next_attempt_at", next,
		)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env events.Envelope) error {
	if strings.HasPrefix(env.EventType, events.PolicyTypePrefix) {
		body, err := json.Marshal(env)
		if err != nil {
			return &Failure{Class: ClassUnknown, Err: err}
		}
		if err := d.bus.Publish(ctx, d.cfg.PolicyChannel, body).Err(); err != nil {
			return classifyErr(err)
		}
		return nil
	}
	return d.sink.Deliver(ctx, env)
}

// terminate moves a row to FAILED and copies it to a redis stream for the
// sentinel, with the failure metadata attached. The stream copy is best
// effort: the FAILED row in Postgres remains the source of truth.
func (d *Dispatcher) terminate(ctx context.Context, row *types.OutboxEvent, env events.Envelope, f *Failure, stream, outcome string) {
	ok, mErr := d.store.MarkFailed(ctx, row.ID, d.cfg.InstanceID, d.cfg.LockTTL,
		f.Class, f.Error(), f.HTTPStatus)
	if mErr != nil {
		d.log.ErrorContext(ctx, "mark failed failed", "event_id", row.ID, "error", mErr)
		return
	}
	if !ok {
		dispatchedTotal.WithLabelValues("lost_ownership").Inc()
		return
	}
	dispatchedTotal.WithLabelValues(outcome).Inc()
	d.log.ErrorContext(ctx, "event delivery exhausted",
		"event_id", row.ID,
		"event_type", row.EventType,
		"org_id", row.OrgID,
		"attempts", row.Attempts+1,
		"class", f.Class,
		"stream", stream,
	)

	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	xerr := d.bus.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"envelope":    string(body),
			"error_class": f.Class,
			"error_msg":   f.Error(),
			"http_status": f.HTTPStatus,
			"attempts":    row.Attempts + 1,
		},
	}).Err()
	if xerr != nil {
		streamCopyErrors.Inc()
		d.log.ErrorContext(ctx, "dead-letter stream copy failed",
			"event_id", row.ID, "stream", stream, "error", xerr)
	}
}

// RunJanitor periodically clears expired claims so the lock diagnostics stay
// honest across dispatcher crashes.
func (d *Dispatcher) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := d.store.ReleaseExpiredLocks(ctx, d.cfg.LockTTL)
			if err != nil {
				d.log.ErrorContext(ctx, "lock janitor failed", "error", err)
				continue
			}
			if released > 0 {
				locksReleasedTotal.Add(float64(released))
				d.log.WarnContext(ctx, "released expired outbox locks", "count", released)
			}
		}
	}
}

// RunDepthGauges refreshes the backlog gauges.
func (d *Dispatcher) RunDepthGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := d.store.Depths(ctx)
			if err != nil {
				d.log.ErrorContext(ctx, "depth snapshot failed", "error", err)
				continue
			}
			observeDepths(depths)
		}
	}
}
