// Package engine evaluates access attempts against the cached rule sets.
//
// Evaluation is pure: the engine reads candidates and zones through narrow
// providers and never touches the pipeline's transaction. It never returns a
// nil output and never fails on domain data; malformed rules degrade to
// ERROR/POLICY_ERROR decisions.
package engine

import (
	"context"
	"time"

	"github.com/tessara/accesscore/pkg/types"
)

// EngineName identifies the rule-based engine in decision rows.
const EngineName = "rules/v2"

const waitControlExpiry = 15 * time.Second

// CandidateSource supplies the time-agnostic ACTIVE rule set for a context.
type CandidateSource interface {
	Candidates(ctx context.Context, orgID, areaID string, subject types.SubjectType) ([]types.Rule, error)
}

// ZoneProvider resolves the effective IANA zone for (org, area).
type ZoneProvider interface {
	Zone(ctx context.Context, orgID, areaID string) (*time.Location, error)
}

// DecisionContext is the immutable evaluation input.
type DecisionContext struct {
	OrgID      string
	AttemptID  string
	DeviceID   string
	AreaID     string
	Direction  types.Direction
	AuthMethod types.AuthMethod
	Subject    types.SubjectType
}

// Output is the engine verdict. CommandHint, when non-nil, asks the pipeline
// to emit exactly one command of that type.
type Output struct {
	Result      types.DecisionResult
	ReasonCode  string
	Detail      string
	DecidedAt   time.Time
	ExpiresAt   *time.Time
	CommandHint *types.CommandType
	Message     string
}

type Engine struct {
	candidates CandidateSource
	zones      ZoneProvider
	now        func() time.Time
}

func New(candidates CandidateSource, zones ZoneProvider) *Engine {
	return &Engine{
		candidates: candidates,
		zones:      zones,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the engine identifier stamped into decisions.
func (e *Engine) Name() string { return EngineName }

// Evaluate produces a decision for the context. Deterministic for a fixed
// rule set and clock.
func (e *Engine) Evaluate(ctx context.Context, dc DecisionContext) Output {
	now := e.now()

	candidates, err := e.candidates.Candidates(ctx, dc.OrgID, dc.AreaID, dc.Subject)
	if err != nil {
		return Output{
			Result:     types.ResultError,
			ReasonCode: types.ReasonPolicyError,
			Detail:     "candidate retrieval failed",
			DecidedAt:  now,
		}
	}
	if len(candidates) == 0 {
		noCandidatesTotal.Inc()
		return denyOutput(now, types.ReasonNoRulesForContext, "No rules configured for context")
	}

	local := e.localTime(ctx, dc, now)

	var winner *types.Rule
	for i := range candidates {
		r := &candidates[i]
		if !e.matches(r, dc, now, local) {
			continue
		}
		if winner == nil || ruleWins(r, winner) {
			winner = r
		}
	}
	if winner == nil {
		return denyOutput(now, types.ReasonNoMatchingRule, "No matching rule")
	}
	return e.translate(winner, now)
}

// localTime resolves the tenant-local wall clock, falling back to UTC when
// the zone provider cannot answer.
func (e *Engine) localTime(ctx context.Context, dc DecisionContext, now time.Time) time.Time {
	loc, err := e.zones.Zone(ctx, dc.OrgID, dc.AreaID)
	if err != nil || loc == nil {
		zoneFallbackTotal.Inc()
		loc = time.UTC
	}
	return now.In(loc)
}

func (e *Engine) matches(r *types.Rule, dc DecisionContext, now, local time.Time) bool {
	if r.State != types.RuleActive {
		return false
	}
	if r.DeviceID != "" && r.DeviceID != dc.DeviceID {
		return false
	}
	if r.Direction != "" && r.Direction != dc.Direction {
		return false
	}
	if r.AuthMethod != "" && r.AuthMethod != dc.AuthMethod {
		return false
	}
	if r.ValidFromUTC != nil && now.Before(*r.ValidFromUTC) {
		return false
	}
	if r.ValidToUTC != nil && now.After(*r.ValidToUTC) {
		return false
	}
	return dailyWindowMatches(r, local)
}

// ruleWins reports whether a beats b: priority first, then newer updatedAt
// (nulls last), then newer createdAt (nulls last).
func ruleWins(a, b *types.Rule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if c := compareTimeDesc(a.UpdatedAt, b.UpdatedAt); c != 0 {
		return c > 0
	}
	return compareTimeDesc(a.CreatedAt, b.CreatedAt) > 0
}

// compareTimeDesc returns >0 when a should rank before b under
// newest-first-nulls-last ordering.
func compareTimeDesc(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.After(*b):
		return 1
	case b.After(*a):
		return -1
	default:
		return 0
	}
}

func (e *Engine) translate(r *types.Rule, now time.Time) Output {
	switch r.Action {
	case types.ActionPermit:
		hint := types.CmdOpenDoor
		return Output{
			Result:      types.ResultPermit,
			ReasonCode:  types.ReasonRuleMatchAllow,
			DecidedAt:   now,
			CommandHint: &hint,
			Message:     r.Message,
		}
	case types.ActionDeny:
		hint := types.CmdDenyWithSignal
		msg := r.Message
		if msg == "" {
			msg = "Access denied"
		}
		return Output{
			Result:      types.ResultDeny,
			ReasonCode:  types.ReasonRuleMatchDeny,
			DecidedAt:   now,
			CommandHint: &hint,
			Message:     msg,
		}
	case types.ActionRequireAuth:
		return Output{
			Result:     types.ResultPending,
			ReasonCode: types.ReasonRuleMatchRequireAuth,
			DecidedAt:  now,
			Message:    "Requires additional authentication",
		}
	case types.ActionWaitControl:
		expires := now.Add(waitControlExpiry)
		detail := r.Message
		if detail == "" {
			detail = "Waiting for operator control"
		}
		return Output{
			Result:     types.ResultPending,
			ReasonCode: types.ReasonRuleMatchWaitControl,
			Detail:     detail,
			DecidedAt:  now,
			ExpiresAt:  &expires,
		}
	default:
		return Output{
			Result:     types.ResultError,
			ReasonCode: types.ReasonPolicyError,
			Detail:     "Rule without action",
			DecidedAt:  now,
		}
	}
}

func denyOutput(now time.Time, reason, msg string) Output {
	hint := types.CmdDenyWithSignal
	return Output{
		Result:      types.ResultDeny,
		ReasonCode:  reason,
		DecidedAt:   now,
		CommandHint: &hint,
		Message:     msg,
	}
}
