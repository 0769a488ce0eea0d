package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessara/accesscore/pkg/types"
)

// OutboxInsert is one event row appended inside a business transaction.
type OutboxInsert struct {
	OrgID         string
	EventType     string
	AggregateType string
	AggregateID   string
	Payload       []byte
	OccurredAt    time.Time
}

// OutboxStore owns the outbox_event table. PENDING rows are claimed with
// FOR UPDATE SKIP LOCKED so N dispatcher instances cooperate without
// blocking; locked_at/locked_by are diagnostic, correctness comes from the
// guarded updates.
type OutboxStore struct {
	pool *pgxpool.Pool
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// AppendTx inserts PENDING rows inside the caller's transaction, preserving
// issue order. A failure here must abort the business transaction.
func (s *OutboxStore) AppendTx(ctx context.Context, tx pgx.Tx, rows []OutboxInsert) error {
	for _, r := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_event (
				id, org_id, event_type, aggregate_type, aggregate_id,
				payload, status, attempts, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,'PENDING',0,$7)`,
			uuid.NewString(), r.OrgID, r.EventType, r.AggregateType, r.AggregateID,
			r.Payload, r.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("store.AppendTx insert %s: %w", r.EventType, err)
		}
	}
	return nil
}

// Append inserts PENDING rows in their own short transaction, for events that
// have no accompanying business write (e.g. invalidate-all requests).
func (s *OutboxStore) Append(ctx context.Context, rows []OutboxInsert) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.Append begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := s.AppendTx(ctx, tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store.Append commit: %w", err)
	}
	return nil
}

// ClaimBatch atomically claims up to limit due rows for this instance:
// PENDING, past next_attempt_at, and either unlocked or lock-expired.
// Older rows first, so per-aggregate dispatch order follows insert order.
func (s *OutboxStore) ClaimBatch(ctx context.Context, instanceID string, limit int, lockTTL time.Duration) ([]types.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM outbox_event
			WHERE status = 'PENDING'
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			  AND (locked_at IS NULL OR locked_at <= NOW() - $2::interval)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE outbox_event o
		SET locked_at = NOW(), locked_by = $1
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.org_id, o.event_type, o.aggregate_type, o.aggregate_id,
		          o.payload, o.status, o.attempts, o.created_at, o.published_at,
		          o.next_attempt_at, o.last_error_code, o.last_error_msg,
		          o.last_error_http, o.last_error_at, o.locked_at, o.locked_by`,
		instanceID, lockTTL, limit)
	if err != nil {
		return nil, fmt.Errorf("store.ClaimBatch: %w", err)
	}
	defer rows.Close()

	out := make([]types.OutboxEvent, 0, limit)
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("store.ClaimBatch scan: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ClaimBatch iteration: %w", err)
	}
	return out, nil
}

// ownershipGuard is shared by every post-transport update: the row must still
// be PENDING and either locked by this instance or lock-expired.
const ownershipGuard = `
	WHERE id = $1 AND status = 'PENDING'
	  AND (locked_by = $2 OR locked_at IS NULL OR locked_at <= NOW() - $3::interval)`

// Reclaim re-stamps the lock on one claimed row immediately before transport.
// Returns false when the row is no longer this instance's to deliver: another
// dispatcher took it over after the batch lock expired, or it already reached
// a terminal status.
func (s *OutboxStore) Reclaim(ctx context.Context, id, instanceID string, lockTTL time.Duration) (bool, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbox_event
		SET locked_at = NOW(), locked_by = $2`+ownershipGuard,
		id, instanceID, lockTTL)
	if err != nil {
		return false, fmt.Errorf("store.Reclaim: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

// MarkPublished finalizes a transported row. Returns false when the
// ownership guard rejects the update (another instance won the row).
func (s *OutboxStore) MarkPublished(ctx context.Context, id, instanceID string, lockTTL time.Duration) (bool, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbox_event
		SET status = 'PUBLISHED', published_at = NOW(),
		    locked_at = NULL, locked_by = NULL`+ownershipGuard,
		id, instanceID, lockTTL)
	if err != nil {
		return false, fmt.Errorf("store.MarkPublished: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

// MarkRetry reschedules a retryable failure and records error metadata.
func (s *OutboxStore) MarkRetry(ctx context.Context, id, instanceID string, lockTTL time.Duration, nextAttemptAt time.Time, errCode, errMsg string, httpStatus int) (bool, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbox_event
		SET attempts = attempts + 1,
		    next_attempt_at = $4,
		    last_error_code = $5, last_error_msg = $6,
		    last_error_http = $7, last_error_at = NOW(),
		    locked_at = NULL, locked_by = NULL`+ownershipGuard,
		id, instanceID, lockTTL, nextAttemptAt, errCode, truncateErr(errMsg), httpStatus)
	if err != nil {
		return false, fmt.Errorf("store.MarkRetry: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

// MarkFailed demotes a row to the terminal FAILED state.
func (s *OutboxStore) MarkFailed(ctx context.Context, id, instanceID string, lockTTL time.Duration, errCode, errMsg string, httpStatus int) (bool, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbox_event
		SET status = 'FAILED', attempts = attempts + 1,
		    last_error_code = $4, last_error_msg = $5,
		    last_error_http = $6, last_error_at = NOW(),
		    locked_at = NULL, locked_by = NULL`+ownershipGuard,
		id, instanceID, lockTTL, errCode, truncateErr(errMsg), httpStatus)
	if err != nil {
		return false, fmt.Errorf("store.MarkFailed: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

// ReleaseExpiredLocks clears stale claims as a safety net. Claiming already
// tolerates expired locks; this keeps the diagnostics columns honest.
func (s *OutboxStore) ReleaseExpiredLocks(ctx context.Context, lockTTL time.Duration) (int64, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbox_event
		SET locked_at = NULL, locked_by = NULL
		WHERE status = 'PENDING' AND locked_at <= NOW() - $1::interval`, lockTTL)
	if err != nil {
		return 0, fmt.Errorf("store.ReleaseExpiredLocks: %w", err)
	}
	return res.RowsAffected(), nil
}

// Depths is a snapshot of outbox backlog for the gauges.
type Depths struct {
	Pending          int64
	Published        int64
	Failed           int64
	Inflight         int64
	Ready            int64
	OldestPendingSec float64
	OldestReadySec   float64
	OldestInflight   float64
}

// Depths reports backlog counts and oldest-row ages in one round trip.
func (s *OutboxStore) Depths(ctx context.Context) (Depths, error) {
	var d Depths
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PUBLISHED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'PENDING' AND locked_at IS NOT NULL),
			COUNT(*) FILTER (WHERE status = 'PENDING' AND locked_at IS NULL
				AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())),
			COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at)
				FILTER (WHERE status = 'PENDING')), 0),
			COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at)
				FILTER (WHERE status = 'PENDING' AND locked_at IS NULL
					AND (next_attempt_at IS NULL OR next_attempt_at <= NOW()))), 0),
			COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(locked_at)
				FILTER (WHERE status = 'PENDING' AND locked_at IS NOT NULL)), 0)
		FROM outbox_event`)
	err := row.Scan(&d.Pending, &d.Published, &d.Failed, &d.Inflight, &d.Ready,
		&d.OldestPendingSec, &d.OldestReadySec, &d.OldestInflight)
	if err != nil {
		return Depths{}, fmt.Errorf("store.Depths: %w", err)
	}
	return d, nil
}

func scanOutbox(rows pgx.Rows) (*types.OutboxEvent, error) {
	var ev types.OutboxEvent
	err := rows.Scan(&ev.ID, &ev.OrgID, &ev.EventType, &ev.AggregateType,
		&ev.AggregateID, &ev.Payload, &ev.Status, &ev.Attempts, &ev.CreatedAt,
		&ev.PublishedAt, &ev.NextAttemptAt, &ev.LastErrorCode, &ev.LastErrorMsg,
		&ev.LastErrorHTTP, &ev.LastErrorAt, &ev.LockedAt, &ev.LockedBy)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

const maxStoredErrChars = 500

func truncateErr(msg string) string {
	return types.Truncate(msg, maxStoredErrChars)
}
