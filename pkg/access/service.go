// Package access orchestrates the attempt pipeline and the command outcome
// callback, and exposes their HTTP surface.
package access

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessara/accesscore/pkg/engine"
	"github.com/tessara/accesscore/pkg/events"
	"github.com/tessara/accesscore/pkg/store"
	"github.com/tessara/accesscore/pkg/types"
)

// accessStore is the persistence surface the pipeline needs.
type accessStore interface {
	GetDevice(ctx context.Context, orgID, deviceID string) (*types.Device, error)
	FindAttemptByIdemKey(ctx context.Context, orgID, key string) (*types.Attempt, error)
	GetDecisionByAttempt(ctx context.Context, orgID, attemptID string) (*types.Decision, error)
	FirstCommandForAttempt(ctx context.Context, orgID, attemptID string) (*types.Command, error)
	GetCommand(ctx context.Context, orgID, commandID string) (*types.Command, error)
	RegisterTx(ctx context.Context, reg store.Registration) error
	ConfirmCommandTx(ctx context.Context, orgID, commandID string, conf store.CommandConfirmation) (bool, error)
}

// reasonCatalog resolves reason codes against the catalog.
type reasonCatalog interface {
	ReasonExists(ctx context.Context, code string) (bool, error)
}

// decisionEngine is the evaluation seam.
type decisionEngine interface {
	Evaluate(ctx context.Context, dc engine.DecisionContext) engine.Output
	Name() string
}

// Service implements the idempotent attempt pipeline and the callback state
// machine.
type Service struct {
	log      *slog.Logger
	store    accessStore
	catalog  reasonCatalog
	engine   decisionEngine
	registry *events.Registry
	fanout   *events.Fanout
	now      func() time.Time

	// knownReasons memoizes catalog hits; the catalog is append-only.
	reasonMu     sync.RWMutex
	knownReasons map[string]bool
}

func NewService(log *slog.Logger, st accessStore, catalog reasonCatalog, eng decisionEngine, registry *events.Registry, fanout *events.Fanout) *Service {
	return &Service{
		log:          log,
		store:        st,
		catalog:      catalog,
		engine:       eng,
		registry:     registry,
		fanout:       fanout,
		now:          func() time.Time { return time.Now().UTC() },
		knownReasons: make(map[string]bool),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Attempt pipeline
// ──────────────────────────────────────────────────────────────────────────────

// Register records an attempt exactly once per idempotency key, evaluates the
// engine, persists the decision and optional command, and appends the domain
// events — all in one transaction.
func (s *Service) Register(ctx context.Context, orgID string, req *types.RegisterAttemptRequest) (*types.AttemptResult, error) {
	// 1. Idempotency short-circuit.
	lookupStart := s.now()
	prior, err := s.store.FindAttemptByIdemKey(ctx, orgID, req.IdempotencyKey)
	if err != nil {
		return nil, types.ErrUnavailable("idempotency lookup failed")
	}
	phaseSeconds.WithLabelValues("idempotency_lookup").Observe(time.Since(lookupStart).Seconds())
	if prior != nil {
		attemptsTotal.WithLabelValues("idempotent_hit").Inc()
		s.log.InfoContext(ctx, "idempotent replay",
			"org_id", orgID, "idempotency_key", req.IdempotencyKey, "attempt_id", prior.ID)
		return s.reconstructResult(ctx, prior)
	}

	// 2. Device scoping; an unknown device is indistinguishable from a
	// cross-tenant one.
	device, err := s.store.GetDevice(ctx, orgID, req.DeviceID)
	if err != nil {
		return nil, types.ErrUnavailable("device lookup failed")
	}
	if device == nil {
		return nil, types.ErrNotFound("device not found")
	}

	// Gateways report occurredAt from their own clocks; clamp future values so
	// the decision timestamp never precedes the attempt it decides.
	now := s.now()
	occurredAt := now
	if req.OccurredAt != nil && req.OccurredAt.Before(now) {
		occurredAt = *req.OccurredAt
	}

	attempt := &types.Attempt{
		ID:               uuid.NewString(),
		OrgID:            orgID,
		DeviceID:         device.ID,
		AreaID:           req.AreaID,
		Direction:        req.Direction,
		AuthMethod:       req.AuthMethod,
		Subject:          types.SubjectUnknown,
		CredentialRef:    req.CredentialRef,
		RawPayload:       req.RawPayload,
		IdempotencyKey:   req.IdempotencyKey,
		GatewayRequestID: req.GatewayRequestID,
		OccurredAt:       occurredAt,
		CreatedAt:        now,
	}

	// 3. Evaluation. The engine reads only the candidate cache; it never
	// touches this transaction.
	evalStart := s.now()
	out := s.engine.Evaluate(ctx, engine.DecisionContext{
		OrgID:      orgID,
		AttemptID:  attempt.ID,
		DeviceID:   device.ID,
		AreaID:     req.AreaID,
		Direction:  req.Direction,
		AuthMethod: req.AuthMethod,
		Subject:    attempt.Subject,
	})
	phaseSeconds.WithLabelValues("evaluate").Observe(time.Since(evalStart).Seconds())
	if out.Result == "" {
		decisionReasonsTotal.WithLabelValues("engine_null").Inc()
		s.log.ErrorContext(ctx, "engine produced no result", "org_id", orgID, "attempt_id", attempt.ID)
		return nil, types.ErrInternal("decision engine unavailable")
	}

	reasonCode, err := s.resolveReason(ctx, out.ReasonCode)
	if err != nil {
		return nil, err
	}

	decision := &types.Decision{
		ID:            uuid.NewString(),
		OrgID:         orgID,
		AttemptID:     attempt.ID,
		Result:        out.Result,
		ReasonCode:    reasonCode,
		Detail:        types.Truncate(out.Detail, types.MaxDetailChars),
		DecidedAt:     out.DecidedAt,
		ExpiresAt:     out.ExpiresAt,
		PolicyVersion: s.engine.Name(),
	}

	var command *types.Command
	if out.CommandHint != nil {
		command = &types.Command{
			ID:             uuid.NewString(),
			OrgID:          orgID,
			AttemptID:      attempt.ID,
			DeviceID:       device.ID,
			Type:           *out.CommandHint,
			Message:        types.Truncate(out.Message, types.MaxMessageChars),
			State:          types.CommandSent,
			SentAt:         now,
			IdempotencyKey: types.CommandIdemKey(req.IdempotencyKey, *out.CommandHint),
		}
	}

	evs, inserts, err := s.buildEvents(attempt, decision, command)
	if err != nil {
		return nil, types.ErrInternal("event serialization failed")
	}

	// 4. Single transaction: attempt → decision → command → outbox.
	persistStart := s.now()
	err = s.store.RegisterTx(ctx, store.Registration{
		Attempt:  attempt,
		Decision: decision,
		Command:  command,
		Events:   inserts,
	})
	phaseSeconds.WithLabelValues("persist").Observe(time.Since(persistStart).Seconds())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// A concurrent request won the key. Recover as an idempotent hit.
			racing, lookupErr := s.store.FindAttemptByIdemKey(ctx, orgID, req.IdempotencyKey)
			if lookupErr == nil && racing != nil {
				attemptsTotal.WithLabelValues("idempotent_hit").Inc()
				return s.reconstructResult(ctx, racing)
			}
			return nil, types.ErrConflict("idempotency key race")
		}
		if command != nil {
			commandGapTotal.Inc()
		}
		s.log.ErrorContext(ctx, "attempt persistence failed",
			"org_id", orgID, "attempt_id", attempt.ID, "error", err)
		return nil, types.ErrUnavailable("attempt persistence failed")
	}

	// Local fan-out only after the transaction is durable.
	s.fanout.Publish(ctx, evs...)

	attemptsTotal.WithLabelValues(strings.ToLower(string(out.Result))).Inc()
	s.log.InfoContext(ctx, "attempt registered",
		"org_id", orgID,
		"attempt_id", attempt.ID,
		"device_id", device.ID,
		"area_id", req.AreaID,
		"result", string(out.Result),
		"reason", reasonCode,
	)

	res := &types.AttemptResult{
		AttemptID:      attempt.ID,
		DecisionResult: decision.Result,
		DecisionID:     decision.ID,
		ReasonCode:     decision.ReasonCode,
		Detail:         decision.Detail,
	}
	if command != nil {
		res.CommandID = command.ID
		res.CommandType = command.Type
		res.CommandState = command.State
	}
	return res, nil
}

// resolveReason maps unknown codes to POLICY_ERROR. A catalog missing
// POLICY_ERROR itself is a broken deployment.
func (s *Service) resolveReason(ctx context.Context, code string) (string, error) {
	if s.reasonKnown(code) {
		return code, nil
	}
	ok, err := s.catalog.ReasonExists(ctx, code)
	if err != nil {
		return "", types.ErrUnavailable("reason catalog lookup failed")
	}
	if ok {
		s.memoizeReason(code)
		return code, nil
	}

	reasonFallbackTotal.Inc()
	s.log.WarnContext(ctx, "reason code missing from catalog, using fallback", "code", code)

	if s.reasonKnown(types.ReasonPolicyError) {
		return types.ReasonPolicyError, nil
	}
	ok, err = s.catalog.ReasonExists(ctx, types.ReasonPolicyError)
	if err != nil {
		return "", types.ErrUnavailable("reason catalog lookup failed")
	}
	if !ok {
		return "", &types.FatalConfigError{Reason: "reason_catalog is missing " + types.ReasonPolicyError}
	}
	s.memoizeReason(types.ReasonPolicyError)
	return types.ReasonPolicyError, nil
}

func (s *Service) reasonKnown(code string) bool {
	s.reasonMu.RLock()
	defer s.reasonMu.RUnlock()
	return s.knownReasons[code]
}

func (s *Service) memoizeReason(code string) {
	s.reasonMu.Lock()
	s.knownReasons[code] = true
	s.reasonMu.Unlock()
}

// buildEvents serializes the pipeline events in issue order.
func (s *Service) buildEvents(attempt *types.Attempt, decision *types.Decision, command *types.Command) ([]events.Event, []store.OutboxInsert, error) {
	evs := []events.Event{
		events.AttemptRegistered{
			OrgID:      attempt.OrgID,
			AttemptID:  attempt.ID,
			DeviceID:   attempt.DeviceID,
			AreaID:     attempt.AreaID,
			Direction:  attempt.Direction,
			AuthMethod: attempt.AuthMethod,
			Subject:    attempt.Subject,
			OccurredAt: attempt.OccurredAt,
		},
		events.DecisionMade{
			OrgID:      decision.OrgID,
			DecisionID: decision.ID,
			AttemptID:  decision.AttemptID,
			Result:     decision.Result,
			ReasonCode: decision.ReasonCode,
			Detail:     decision.Detail,
			DecidedAt:  decision.DecidedAt,
			ExpiresAt:  decision.ExpiresAt,
		},
	}
	if command != nil {
		evs = append(evs, events.CommandEmitted{
			OrgID:     command.OrgID,
			CommandID: command.ID,
			AttemptID: command.AttemptID,
			DeviceID:  command.DeviceID,
			Type:      command.Type,
			Message:   command.Message,
			SentAt:    command.SentAt,
		})
	}
	inserts, err := BuildInserts(s.registry, s.now(), evs...)
	if err != nil {
		return nil, nil, err
	}
	return evs, inserts, nil
}

// reconstructResult rebuilds the original AttemptResult from persisted rows.
// No new rows, no new events.
func (s *Service) reconstructResult(ctx context.Context, attempt *types.Attempt) (*types.AttemptResult, error) {
	res := &types.AttemptResult{AttemptID: attempt.ID}

	decision, err := s.store.GetDecisionByAttempt(ctx, attempt.OrgID, attempt.ID)
	if err != nil {
		return nil, types.ErrUnavailable("decision lookup failed")
	}
	if decision != nil {
		res.DecisionResult = decision.Result
		res.DecisionID = decision.ID
		res.ReasonCode = decision.ReasonCode
		res.Detail = decision.Detail
	}

	command, err := s.store.FirstCommandForAttempt(ctx, attempt.OrgID, attempt.ID)
	if err != nil {
		return nil, types.ErrUnavailable("command lookup failed")
	}
	if command != nil {
		res.CommandID = command.ID
		res.CommandType = command.Type
		res.CommandState = command.State
	}
	return res, nil
}

// BuildInserts resolves routing metadata for each event through the registry.
func BuildInserts(registry *events.Registry, occurredAt time.Time, evs ...events.Event) ([]store.OutboxInsert, error) {
	out := make([]store.OutboxInsert, 0, len(evs))
	for _, ev := range evs {
		orgID, aggType, aggID, payload, err := registry.Describe(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, store.OutboxInsert{
			OrgID:         orgID,
			EventType:     ev.EventType(),
			AggregateType: aggType,
			AggregateID:   aggID,
			Payload:       payload,
			OccurredAt:    occurredAt,
		})
	}
	return out, nil
}
