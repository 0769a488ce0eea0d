package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessara/accesscore/pkg/types"
)

// AuditStore appends diagnostic records. Rows dedupe on (org_id, event_key)
// so at-least-once consumers can insert blindly.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Append inserts one record. Returns false when the event key was already
// recorded for this tenant.
func (s *AuditStore) Append(ctx context.Context, rec types.AuditRecord) (bool, error) {
	res, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (org_id, event_key, event_type, aggregate_id, payload, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (org_id, event_key) DO NOTHING`,
		rec.OrgID, rec.EventKey, rec.EventType, rec.AggregateID, rec.Payload, rec.OccurredAt,
	)
	if err != nil {
		return false, fmt.Errorf("store.Append audit: %w", err)
	}
	return res.RowsAffected() > 0, nil
}
