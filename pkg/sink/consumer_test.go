package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tessara/accesscore/pkg/events"
	"github.com/tessara/accesscore/pkg/outbox"
	"github.com/tessara/accesscore/pkg/types"
)

type recordingAudit struct {
	mu      sync.Mutex
	records []types.AuditRecord
	seen    map[string]bool
	notify  chan struct{}
}

func newRecordingAudit() *recordingAudit {
	return &recordingAudit{seen: make(map[string]bool), notify: make(chan struct{}, 16)}
}

func (a *recordingAudit) Append(_ context.Context, rec types.AuditRecord) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() { a.notify <- struct{}{} }()
	key := rec.OrgID + "|" + rec.EventKey
	if a.seen[key] {
		return false, nil
	}
	a.seen[key] = true
	a.records = append(a.records, rec)
	return true, nil
}

func (a *recordingAudit) snapshot() []types.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.AuditRecord(nil), a.records...)
}

func startConsumer(t *testing.T, stream string) (*redis.Client, *recordingAudit, context.CancelFunc) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	audit := newRecordingAudit()
	c := NewConsumer(slog.Default(), rdb, audit, stream, "test-consumer")
	c.block = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	return rdb, audit, cancel
}

func addStreamEntry(t *testing.T, rdb *redis.Client, stream string, env events.Envelope) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	err = rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"envelope":    string(body),
			"error_class": "HTTP_4XX",
			"error_msg":   "sink returned 422",
			"http_status": "422",
			"attempts":    "1",
		},
	}).Err()
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
}

func waitForNotify(t *testing.T, audit *recordingAudit) {
	t.Helper()
	select {
	case <-audit.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for audit write")
	}
}

func terminalEnvelope(id string) events.Envelope {
	return events.Envelope{
		IDEvent:    id,
		OrgID:      "org-1",
		EventType:  events.TypeAttemptRegistered,
		OccurredAt: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		Payload:    `{"orgId":"org-1"}`,
	}
}

func TestConsumerRecordsDeadLetteredEvent(t *testing.T) {
	rdb, audit, cancel := startConsumer(t, outbox.DLQStream)
	defer cancel()

	addStreamEntry(t, rdb, outbox.DLQStream, terminalEnvelope("evt-1"))
	waitForNotify(t, audit)

	recs := audit.snapshot()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.OrgID != "org-1" || rec.EventType != auditDeadLettered || rec.AggregateID != "evt-1" {
		t.Errorf("record = %+v", rec)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["error_class"] != "HTTP_4XX" {
		t.Errorf("payload = %v", payload)
	}
}

func TestConsumerRecordsParkedEvent(t *testing.T) {
	rdb, audit, cancel := startConsumer(t, outbox.ParkingStream)
	defer cancel()

	addStreamEntry(t, rdb, outbox.ParkingStream, terminalEnvelope("evt-2"))
	waitForNotify(t, audit)

	recs := audit.snapshot()
	if len(recs) != 1 || recs[0].EventType != auditParked {
		t.Fatalf("records = %+v", recs)
	}
}

func TestConsumerDedupesReplays(t *testing.T) {
	rdb, audit, cancel := startConsumer(t, outbox.DLQStream)
	defer cancel()

	env := terminalEnvelope("evt-3")
	addStreamEntry(t, rdb, outbox.DLQStream, env)
	waitForNotify(t, audit)
	addStreamEntry(t, rdb, outbox.DLQStream, env)
	waitForNotify(t, audit)

	if recs := audit.snapshot(); len(recs) != 1 {
		t.Fatalf("records = %d, want 1 after replay", len(recs))
	}
}

func TestConsumerAcksMalformedEntries(t *testing.T) {
	rdb, audit, cancel := startConsumer(t, outbox.DLQStream)
	defer cancel()

	err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: outbox.DLQStream,
		Values: map[string]interface{}{"envelope": "{broken"},
	}).Err()
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	// A good entry after the bad one proves the consumer keeps going.
	addStreamEntry(t, rdb, outbox.DLQStream, terminalEnvelope("evt-4"))
	waitForNotify(t, audit)

	recs := audit.snapshot()
	if len(recs) != 1 || recs[0].AggregateID != "evt-4" {
		t.Fatalf("records = %+v", recs)
	}
}
