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

// RuleStore owns base rules, the reason catalog and area zone lookups.
type RuleStore struct {
	pool   *pgxpool.Pool
	outbox *OutboxStore
}

func NewRuleStore(pool *pgxpool.Pool, outbox *OutboxStore) *RuleStore {
	return &RuleStore{pool: pool, outbox: outbox}
}

const ruleColumns = `
	id, org_id, area_id, device_id, subject, direction, auth_method,
	action, priority, state, message, valid_from_utc, valid_to_utc,
	daily_from, daily_to, created_at, updated_at`

// ActiveRules returns the time-agnostic candidate set for
// (org, area, subject). Ordering is irrelevant here; the engine sorts at
// match time.
func (s *RuleStore) ActiveRules(ctx context.Context, orgID, areaID string, subject types.SubjectType) ([]types.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM rule
		WHERE org_id = $1 AND area_id = $2 AND subject = $3 AND state = 'ACTIVE'`,
		orgID, areaID, subject)
	if err != nil {
		return nil, fmt.Errorf("store.ActiveRules: %w", err)
	}
	defer rows.Close()

	out := make([]types.Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("store.ActiveRules scan: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.ActiveRules iteration: %w", err)
	}
	return out, nil
}

// GetRule fetches one rule within its tenant, or nil.
func (s *RuleStore) GetRule(ctx context.Context, orgID, ruleID string) (*types.Rule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM rule WHERE org_id = $1 AND id = $2`, orgID, ruleID)

	r, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetRule: %w", err)
	}
	return r, nil
}

// CreateRule inserts a rule and its PolicyChanged outbox row atomically.
func (s *RuleStore) CreateRule(ctx context.Context, rule *types.Rule, evt OutboxInsert) error {
	rule.ID = uuid.NewString()
	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = &now, &now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.CreateRule begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx, `
		INSERT INTO rule (
			id, org_id, area_id, device_id, subject, direction, auth_method,
			action, priority, state, message, valid_from_utc, valid_to_utc,
			daily_from, daily_to, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		rule.ID, rule.OrgID, rule.AreaID, rule.DeviceID, rule.Subject,
		rule.Direction, rule.AuthMethod, rule.Action, rule.Priority, rule.State,
		rule.Message, rule.ValidFromUTC, rule.ValidToUTC,
		rule.DailyFrom, rule.DailyTo, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store.CreateRule insert: %w", err)
	}

	if err := s.outbox.AppendTx(ctx, tx, []OutboxInsert{evt}); err != nil {
		return fmt.Errorf("store.CreateRule outbox: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store.CreateRule commit: %w", err)
	}
	return nil
}

// UpdateRule rewrites a rule's mutable fields and appends its PolicyChanged
// row. Returns false when the rule does not exist in this tenant.
func (s *RuleStore) UpdateRule(ctx context.Context, rule *types.Rule, evt OutboxInsert) (bool, error) {
	now := time.Now().UTC()
	rule.UpdatedAt = &now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store.UpdateRule begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.Exec(ctx, `
		UPDATE rule
		SET area_id = $3, device_id = $4, subject = $5, direction = $6,
		    auth_method = $7, action = $8, priority = $9, message = $10,
		    valid_from_utc = $11, valid_to_utc = $12,
		    daily_from = $13, daily_to = $14, updated_at = $15
		WHERE org_id = $1 AND id = $2`,
		rule.OrgID, rule.ID, rule.AreaID, rule.DeviceID, rule.Subject,
		rule.Direction, rule.AuthMethod, rule.Action, rule.Priority, rule.Message,
		rule.ValidFromUTC, rule.ValidToUTC, rule.DailyFrom, rule.DailyTo, rule.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("store.UpdateRule update: %w", err)
	}
	if res.RowsAffected() == 0 {
		return false, nil
	}

	if err := s.outbox.AppendTx(ctx, tx, []OutboxInsert{evt}); err != nil {
		return false, fmt.Errorf("store.UpdateRule outbox: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store.UpdateRule commit: %w", err)
	}
	return true, nil
}

// SetRuleState flips ACTIVE/INACTIVE and appends the PolicyChanged row.
func (s *RuleStore) SetRuleState(ctx context.Context, orgID, ruleID string, state types.RuleState, evt OutboxInsert) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store.SetRuleState begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.Exec(ctx, `
		UPDATE rule SET state = $3, updated_at = NOW()
		WHERE org_id = $1 AND id = $2`, orgID, ruleID, state)
	if err != nil {
		return false, fmt.Errorf("store.SetRuleState update: %w", err)
	}
	if res.RowsAffected() == 0 {
		return false, nil
	}

	if err := s.outbox.AppendTx(ctx, tx, []OutboxInsert{evt}); err != nil {
		return false, fmt.Errorf("store.SetRuleState outbox: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store.SetRuleState commit: %w", err)
	}
	return true, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Reason catalog
// ──────────────────────────────────────────────────────────────────────────────

// ReasonExists reports whether a reason code is present in the catalog.
func (s *RuleStore) ReasonExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reason_catalog WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store.ReasonExists: %w", err)
	}
	return exists, nil
}

// EnsureCatalog verifies the POLICY_ERROR fallback row exists. Called at
// startup; its absence is a broken deployment.
func (s *RuleStore) EnsureCatalog(ctx context.Context) error {
	ok, err := s.ReasonExists(ctx, types.ReasonPolicyError)
	if err != nil {
		return err
	}
	if !ok {
		return &types.FatalConfigError{Reason: "reason_catalog is missing " + types.ReasonPolicyError}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Zones
// ──────────────────────────────────────────────────────────────────────────────

// AreaZone returns the effective IANA zone for (org, area): the area's zone
// when set, otherwise the organization default. Empty string when neither is
// configured.
func (s *RuleStore) AreaZone(ctx context.Context, orgID, areaID string) (string, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(NULLIF(a.timezone, ''), o.timezone, '')
		FROM area a
		JOIN organization o ON o.id = a.org_id
		WHERE a.org_id = $1 AND a.id = $2`, orgID, areaID)

	var zone string
	err := row.Scan(&zone)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store.AreaZone: %w", err)
	}
	return zone, nil
}

func scanRule(row pgx.Row) (*types.Rule, error) {
	var r types.Rule
	err := row.Scan(&r.ID, &r.OrgID, &r.AreaID, &r.DeviceID, &r.Subject,
		&r.Direction, &r.AuthMethod, &r.Action, &r.Priority, &r.State,
		&r.Message, &r.ValidFromUTC, &r.ValidToUTC,
		&r.DailyFrom, &r.DailyTo, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
