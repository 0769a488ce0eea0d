// Package store persists the access-control aggregates in Postgres.
//
// Every query predicate carries org_id; tenant isolation is enforced at the
// read/write path, never in handlers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tessara/accesscore/pkg/types"
)

// ErrDuplicateKey reports a unique-constraint violation, typically a
// concurrent insert racing on (org_id, idempotency_key).
var ErrDuplicateKey = errors.New("duplicate key")

const pgUniqueViolation = "23505"

// AccessStore persists attempts, decisions and commands.
type AccessStore struct {
	pool   *pgxpool.Pool
	outbox *OutboxStore
}

func NewAccessStore(pool *pgxpool.Pool, outbox *OutboxStore) *AccessStore {
	return &AccessStore{pool: pool, outbox: outbox}
}

// GetDevice resolves a device within its tenant. Returns nil when absent,
// which is how cross-tenant probing surfaces as NOT_FOUND.
func (s *AccessStore) GetDevice(ctx context.Context, orgID, deviceID string) (*types.Device, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, area_id, name
		FROM device WHERE org_id = $1 AND id = $2`, orgID, deviceID)

	var d types.Device
	err := row.Scan(&d.ID, &d.OrgID, &d.AreaID, &d.Name)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetDevice: %w", err)
	}
	return &d, nil
}

// FindAttemptByIdemKey returns the attempt for (org, key), or nil.
func (s *AccessStore) FindAttemptByIdemKey(ctx context.Context, orgID, key string) (*types.Attempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, device_id, area_id, direction, auth_method, subject,
		       credential_ref, raw_payload, idempotency_key, gateway_request_id,
		       occurred_at, created_at
		FROM attempt WHERE org_id = $1 AND idempotency_key = $2`, orgID, key)

	a, err := scanAttempt(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.FindAttemptByIdemKey: %w", err)
	}
	return a, nil
}

// GetDecisionByAttempt returns the 1:1 decision for an attempt, or nil.
func (s *AccessStore) GetDecisionByAttempt(ctx context.Context, orgID, attemptID string) (*types.Decision, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, attempt_id, result, reason_code, detail,
		       decided_at, expires_at, policy_version
		FROM decision WHERE org_id = $1 AND attempt_id = $2`, orgID, attemptID)

	var d types.Decision
	err := row.Scan(&d.ID, &d.OrgID, &d.AttemptID, &d.Result, &d.ReasonCode,
		&d.Detail, &d.DecidedAt, &d.ExpiresAt, &d.PolicyVersion)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetDecisionByAttempt: %w", err)
	}
	return &d, nil
}

// FirstCommandForAttempt returns the earliest command emitted for an attempt,
// or nil. The pipeline emits at most one, so "first" is a defensive ordering.
func (s *AccessStore) FirstCommandForAttempt(ctx context.Context, orgID, attemptID string) (*types.Command, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, attempt_id, device_id, type, message, state,
		       sent_at, confirmed_at, error_code, error_detail,
		       idempotency_key, external_exec_id
		FROM command WHERE org_id = $1 AND attempt_id = $2
		ORDER BY sent_at ASC LIMIT 1`, orgID, attemptID)

	c, err := scanCommand(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.FirstCommandForAttempt: %w", err)
	}
	return c, nil
}

// GetCommand loads a command by id within its tenant, or nil.
func (s *AccessStore) GetCommand(ctx context.Context, orgID, commandID string) (*types.Command, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, attempt_id, device_id, type, message, state,
		       sent_at, confirmed_at, error_code, error_detail,
		       idempotency_key, external_exec_id
		FROM command WHERE org_id = $1 AND id = $2`, orgID, commandID)

	c, err := scanCommand(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetCommand: %w", err)
	}
	return c, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Pipeline write path
// ──────────────────────────────────────────────────────────────────────────────

// Registration is everything the pipeline commits atomically: the attempt,
// its decision, an optional command and the outbox rows, in issue order.
type Registration struct {
	Attempt  *types.Attempt
	Decision *types.Decision
	Command  *types.Command
	Events   []OutboxInsert
}

// RegisterTx persists a Registration in one transaction. A unique violation
// on the attempt idempotency key is reported as ErrDuplicateKey so the caller
// can recover the race as an idempotent hit.
func (s *AccessStore) RegisterTx(ctx context.Context, reg Registration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store.RegisterTx begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	a := reg.Attempt
	_, err = tx.Exec(ctx, `
		INSERT INTO attempt (
			id, org_id, device_id, area_id, direction, auth_method, subject,
			credential_ref, raw_payload, idempotency_key, gateway_request_id,
			occurred_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.OrgID, a.DeviceID, a.AreaID, a.Direction, a.AuthMethod, a.Subject,
		a.CredentialRef, a.RawPayload, a.IdempotencyKey, a.GatewayRequestID,
		a.OccurredAt, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store.RegisterTx attempt: %w", ErrDuplicateKey)
		}
		return fmt.Errorf("store.RegisterTx insert attempt: %w", err)
	}

	d := reg.Decision
	_, err = tx.Exec(ctx, `
		INSERT INTO decision (
			id, org_id, attempt_id, result, reason_code, detail,
			decided_at, expires_at, policy_version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.OrgID, d.AttemptID, d.Result, d.ReasonCode, d.Detail,
		d.DecidedAt, d.ExpiresAt, d.PolicyVersion,
	)
	if err != nil {
		return fmt.Errorf("store.RegisterTx insert decision: %w", err)
	}

	if c := reg.Command; c != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO command (
				id, org_id, attempt_id, device_id, type, message, state,
				sent_at, idempotency_key
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			c.ID, c.OrgID, c.AttemptID, c.DeviceID, c.Type, c.Message, c.State,
			c.SentAt, c.IdempotencyKey,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("store.RegisterTx command: %w", ErrDuplicateKey)
			}
			return fmt.Errorf("store.RegisterTx insert command: %w", err)
		}
	}

	if err := s.outbox.AppendTx(ctx, tx, reg.Events); err != nil {
		return fmt.Errorf("store.RegisterTx outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store.RegisterTx commit: %w", err)
	}
	return nil
}

// CommandConfirmation is the final-state transition applied by the callback.
type CommandConfirmation struct {
	State          types.CommandState
	ConfirmedAt    time.Time
	ErrorCode      string
	ErrorDetail    string
	ExternalExecID string
	Event          OutboxInsert
}

// ConfirmCommandTx applies a terminal transition with the final-state guard
// (`state = 'SENT'`) and appends the CommandExecuted event in the same
// transaction. Returns false when the guard rejects the update, i.e. another
// outcome already committed.
func (s *AccessStore) ConfirmCommandTx(ctx context.Context, orgID, commandID string, conf CommandConfirmation) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store.ConfirmCommandTx begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.Exec(ctx, `
		UPDATE command
		SET state = $3,
		    confirmed_at = $4,
		    error_code = $5,
		    error_detail = $6,
		    external_exec_id = CASE
		        WHEN external_exec_id IS NULL OR external_exec_id = '' THEN $7
		        ELSE external_exec_id
		    END
		WHERE org_id = $1 AND id = $2 AND state = 'SENT'`,
		orgID, commandID, conf.State, conf.ConfirmedAt,
		conf.ErrorCode, conf.ErrorDetail, conf.ExternalExecID,
	)
	if err != nil {
		return false, fmt.Errorf("store.ConfirmCommandTx update: %w", err)
	}
	if res.RowsAffected() == 0 {
		return false, nil
	}

	if err := s.outbox.AppendTx(ctx, tx, []OutboxInsert{conf.Event}); err != nil {
		return false, fmt.Errorf("store.ConfirmCommandTx outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store.ConfirmCommandTx commit: %w", err)
	}
	return true, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func scanAttempt(row pgx.Row) (*types.Attempt, error) {
	var a types.Attempt
	err := row.Scan(&a.ID, &a.OrgID, &a.DeviceID, &a.AreaID, &a.Direction,
		&a.AuthMethod, &a.Subject, &a.CredentialRef, &a.RawPayload,
		&a.IdempotencyKey, &a.GatewayRequestID, &a.OccurredAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanCommand(row pgx.Row) (*types.Command, error) {
	var c types.Command
	err := row.Scan(&c.ID, &c.OrgID, &c.AttemptID, &c.DeviceID, &c.Type,
		&c.Message, &c.State, &c.SentAt, &c.ConfirmedAt,
		&c.ErrorCode, &c.ErrorDetail, &c.IdempotencyKey, &c.ExternalExecID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
