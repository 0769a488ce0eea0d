package access

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tessara/accesscore/pkg/events"
	"github.com/tessara/accesscore/pkg/store"
	"github.com/tessara/accesscore/pkg/types"
)

const maxBodyBytes = 1 << 20 // 1 MB

// ruleAdmin is the rule administration surface used by the policy handlers.
type ruleAdmin interface {
	GetRule(ctx context.Context, orgID, ruleID string) (*types.Rule, error)
	CreateRule(ctx context.Context, rule *types.Rule, evt store.OutboxInsert) error
	UpdateRule(ctx context.Context, rule *types.Rule, evt store.OutboxInsert) (bool, error)
	SetRuleState(ctx context.Context, orgID, ruleID string, state types.RuleState, evt store.OutboxInsert) (bool, error)
}

// policyOutbox appends events that carry no accompanying business write.
type policyOutbox interface {
	Append(ctx context.Context, rows []store.OutboxInsert) error
}

// Handlers exposes the pipeline, the callback and rule administration over
// HTTP.
type Handlers struct {
	log      *slog.Logger
	svc      *Service
	rules    ruleAdmin
	outbox   policyOutbox
	registry *events.Registry
	limiter  *tenantLimiter
}

func NewHandlers(log *slog.Logger, svc *Service, rules ruleAdmin, outbox policyOutbox, registry *events.Registry, rateLimitPerTenant int) *Handlers {
	return &Handlers{
		log:      log,
		svc:      svc,
		rules:    rules,
		outbox:   outbox,
		registry: registry,
		limiter:  newTenantLimiter(rateLimitPerTenant),
	}
}

// RegisterRoutes mounts all tenant-scoped routes. Middlewares run inside the
// {orgID} route so they can see the resolved path parameter.
func (h *Handlers) RegisterRoutes(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	r.Route("/organizations/{orgID}", func(r chi.Router) {
		r.Use(middlewares...)

		r.Post("/attempts", h.RegisterAttempt)
		r.Post("/commands/{commandID}/outcome", h.CommandOutcome)

		r.Post("/rules", h.CreateRule)
		r.Get("/rules/{ruleID}", h.GetRule)
		r.Put("/rules/{ruleID}", h.UpdateRule)
		r.Delete("/rules/{ruleID}", h.DeactivateRule)

		r.Post("/policy/invalidate", h.InvalidateAll)
	})
}

// RegisterAttempt is POST /organizations/{orgID}/attempts.
func (h *Handlers) RegisterAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.RegisterAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w, r)
		return
	}
	if err := req.NormalizeAndValidate(); err != nil {
		types.ErrValidation(err).WriteJSON(w, r)
		return
	}
	if !h.limiter.allow(orgID) {
		types.ErrRateLimited().WriteJSON(w, r)
		return
	}

	res, err := h.svc.Register(ctx, orgID, &req)
	if err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CommandOutcome is POST /organizations/{orgID}/commands/{commandID}/outcome.
// Responds 204 for both applied transitions and absorbed replays.
func (h *Handlers) CommandOutcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")
	commandID := chi.URLParam(r, "commandID")

	if _, err := uuid.Parse(commandID); err != nil {
		types.ErrBadRequest("invalid commandID format").WriteJSON(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.CommandOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w, r)
		return
	}
	if err := req.NormalizeAndValidate(); err != nil {
		types.ErrValidation(err).WriteJSON(w, r)
		return
	}

	if err := h.svc.ApplyOutcome(ctx, orgID, commandID, &req); err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ──────────────────────────────────────────────────────────────────────────────
// Rule administration
// ──────────────────────────────────────────────────────────────────────────────

func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")

	rule, ok := h.decodeRule(w, r, orgID)
	if !ok {
		return
	}

	ev, evt, err := h.policyChangedInsert(rule, "CREATED")
	if err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	if err := h.rules.CreateRule(ctx, rule, evt); err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	h.svc.fanout.Publish(ctx, ev)
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")
	ruleID := chi.URLParam(r, "ruleID")

	rule, err := h.rules.GetRule(ctx, orgID, ruleID)
	if err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	if rule == nil {
		types.ErrNotFound("rule not found").WriteJSON(w, r)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handlers) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")
	ruleID := chi.URLParam(r, "ruleID")

	rule, ok := h.decodeRule(w, r, orgID)
	if !ok {
		return
	}
	rule.ID = ruleID

	ev, evt, err := h.policyChangedInsert(rule, "UPDATED")
	if err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	found, err := h.rules.UpdateRule(ctx, rule, evt)
	if err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	if !found {
		types.ErrNotFound("rule not found").WriteJSON(w, r)
		return
	}
	h.svc.fanout.Publish(ctx, ev)
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handlers) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")
	ruleID := chi.URLParam(r, "ruleID")

	existing, err := h.rules.GetRule(ctx, orgID, ruleID)
	if err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	if existing == nil {
		types.ErrNotFound("rule not found").WriteJSON(w, r)
		return
	}

	ev, evt, err := h.policyChangedInsert(existing, "DEACTIVATED")
	if err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	found, err := h.rules.SetRuleState(ctx, orgID, ruleID, types.RuleInactive, evt)
	if err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	if !found {
		types.ErrNotFound("rule not found").WriteJSON(w, r)
		return
	}
	h.svc.fanout.Publish(ctx, ev)
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateAll is POST /organizations/{orgID}/policy/invalidate. It requests
// a cluster-wide cache flush through the outbox.
func (h *Handlers) InvalidateAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")

	ev := events.InvalidateAllRequested{OrgID: orgID}
	inserts, err := BuildInserts(h.registry, time.Now().UTC(), ev)
	if err != nil {
		h.writeErr(ctx, w, r, err)
		return
	}
	if err := h.outbox.Append(ctx, inserts); err != nil {
		h.log.ErrorContext(ctx, "invalidate-all append failed", "org_id", orgID, "error", err)
		types.ErrUnavailable("invalidation request failed").WriteJSON(w, r)
		return
	}
	h.svc.fanout.Publish(ctx, ev)
	w.WriteHeader(http.StatusAccepted)
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func (h *Handlers) decodeRule(w http.ResponseWriter, r *http.Request, orgID string) (*types.Rule, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.UpsertRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrBadRequest("invalid JSON body").WriteJSON(w, r)
		return nil, false
	}
	rule, err := req.ToRule(orgID)
	if err != nil {
		types.ErrValidation(err).WriteJSON(w, r)
		return nil, false
	}
	return rule, true
}

func (h *Handlers) policyChangedInsert(rule *types.Rule, changeType string) (events.PolicyChanged, store.OutboxInsert, error) {
	ev := events.PolicyChanged{
		OrgID:      rule.OrgID,
		AreaID:     rule.AreaID,
		RuleID:     rule.ID,
		ChangeType: changeType,
	}
	inserts, err := BuildInserts(h.registry, time.Now().UTC(), ev)
	if err != nil {
		return events.PolicyChanged{}, store.OutboxInsert{}, types.ErrInternal("event serialization failed")
	}
	return ev, inserts[0], nil
}

func (h *Handlers) writeErr(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *types.APIError
	if errors.As(err, &apiErr) {
		apiErr.WriteJSON(w, r)
		return
	}
	var fatal *types.FatalConfigError
	if errors.As(err, &fatal) {
		h.log.ErrorContext(ctx, "fatal configuration error", "error", fatal)
		types.ErrInternal(fatal.Error()).WriteJSON(w, r)
		return
	}
	h.log.ErrorContext(ctx, "unhandled error", "error", err)
	types.ErrInternal("internal error").WriteJSON(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
