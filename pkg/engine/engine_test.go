package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tessara/accesscore/pkg/types"
)

type stubCandidates struct {
	rules []types.Rule
	err   error
}

func (s stubCandidates) Candidates(_ context.Context, _, _ string, _ types.SubjectType) ([]types.Rule, error) {
	return s.rules, s.err
}

type stubZones struct {
	loc *time.Location
	err error
}

func (s stubZones) Zone(_ context.Context, _, _ string) (*time.Location, error) {
	return s.loc, s.err
}

func newTestEngine(t *testing.T, rules []types.Rule, candErr error, loc *time.Location, at time.Time) *Engine {
	t.Helper()
	e := New(stubCandidates{rules: rules, err: candErr}, stubZones{loc: loc})
	e.now = func() time.Time { return at }
	return e
}

func baseContext() DecisionContext {
	return DecisionContext{
		OrgID:      "org-1",
		AttemptID:  "att-1",
		DeviceID:   "dev-1",
		AreaID:     "area-1",
		Direction:  types.DirectionIn,
		AuthMethod: types.AuthCard,
		Subject:    types.SubjectUnknown,
	}
}

func activeRule(action types.RuleAction) types.Rule {
	return types.Rule{
		ID:      "rule-1",
		OrgID:   "org-1",
		AreaID:  "area-1",
		Subject: types.SubjectUnknown,
		Action:  action,
		State:   types.RuleActive,
	}
}

func TestEvaluatePermit(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	e := newTestEngine(t, []types.Rule{activeRule(types.ActionPermit)}, nil, time.UTC, now)

	out := e.Evaluate(context.Background(), baseContext())

	if out.Result != types.ResultPermit {
		t.Fatalf("Result = %s, want PERMIT", out.Result)
	}
	if out.ReasonCode != types.ReasonRuleMatchAllow {
		t.Errorf("ReasonCode = %s, want %s", out.ReasonCode, types.ReasonRuleMatchAllow)
	}
	if out.CommandHint == nil || *out.CommandHint != types.CmdOpenDoor {
		t.Errorf("CommandHint = %v, want OPEN_DOOR", out.CommandHint)
	}
	if !out.DecidedAt.Equal(now) {
		t.Errorf("DecidedAt = %v, want %v", out.DecidedAt, now)
	}
}

func TestEvaluateNoCandidates(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	e := newTestEngine(t, nil, nil, time.UTC, now)

	out := e.Evaluate(context.Background(), baseContext())

	if out.Result != types.ResultDeny {
		t.Fatalf("Result = %s, want DENY", out.Result)
	}
	if out.ReasonCode != types.ReasonNoRulesForContext {
		t.Errorf("ReasonCode = %s, want %s", out.ReasonCode, types.ReasonNoRulesForContext)
	}
	if out.CommandHint == nil || *out.CommandHint != types.CmdDenyWithSignal {
		t.Errorf("CommandHint = %v, want DENY_WITH_SIGNAL", out.CommandHint)
	}
}

func TestEvaluateNoMatchingRule(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	r := activeRule(types.ActionPermit)
	r.Direction = types.DirectionOut // attempt is IN

	e := newTestEngine(t, []types.Rule{r}, nil, time.UTC, now)
	out := e.Evaluate(context.Background(), baseContext())

	if out.Result != types.ResultDeny {
		t.Fatalf("Result = %s, want DENY", out.Result)
	}
	if out.ReasonCode != types.ReasonNoMatchingRule {
		t.Errorf("ReasonCode = %s, want %s", out.ReasonCode, types.ReasonNoMatchingRule)
	}
}

func TestEvaluateCandidateError(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	e := newTestEngine(t, nil, errors.New("pool exhausted"), time.UTC, now)

	out := e.Evaluate(context.Background(), baseContext())

	if out.Result != types.ResultError {
		t.Fatalf("Result = %s, want ERROR", out.Result)
	}
	if out.ReasonCode != types.ReasonPolicyError {
		t.Errorf("ReasonCode = %s, want %s", out.ReasonCode, types.ReasonPolicyError)
	}
	if out.CommandHint != nil {
		t.Errorf("CommandHint = %v, want nil", out.CommandHint)
	}
}

func TestEvaluateSelectsHighestPriority(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	low := activeRule(types.ActionDeny)
	low.ID, low.Priority = "rule-low", 10
	high := activeRule(types.ActionPermit)
	high.ID, high.Priority = "rule-high", 200

	e := newTestEngine(t, []types.Rule{low, high}, nil, time.UTC, now)
	out := e.Evaluate(context.Background(), baseContext())

	if out.Result != types.ResultPermit {
		t.Fatalf("Result = %s, want PERMIT from the higher-priority rule", out.Result)
	}
}

func TestEvaluatePriorityTieBreaksOnUpdatedAt(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	older := now.Add(-2 * time.Hour)
	newer := now.Add(-1 * time.Hour)

	stale := activeRule(types.ActionDeny)
	stale.ID, stale.Priority, stale.UpdatedAt = "rule-stale", 100, &older
	fresh := activeRule(types.ActionPermit)
	fresh.ID, fresh.Priority, fresh.UpdatedAt = "rule-fresh", 100, &newer

	e := newTestEngine(t, []types.Rule{stale, fresh}, nil, time.UTC, now)
	out := e.Evaluate(context.Background(), baseContext())

	if out.Result != types.ResultPermit {
		t.Fatalf("Result = %s, want PERMIT from the newer rule", out.Result)
	}
}

func TestEvaluateOvernightWindowAcrossZones(t *testing.T) {
	bogota, err := time.LoadLocation("America/Bogota")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	// 04:30 UTC is 23:30 in Bogota (UTC-5): inside a 23:00→07:00 window.
	now := time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)
	from, to := 23*60, 7*60

	r := activeRule(types.ActionPermit)
	r.DailyFrom, r.DailyTo = &from, &to

	e := newTestEngine(t, []types.Rule{r}, nil, bogota, now)
	out := e.Evaluate(context.Background(), baseContext())
	if out.Result != types.ResultPermit {
		t.Fatalf("Result = %s, want PERMIT inside overnight window", out.Result)
	}

	// Same instant evaluated in UTC (04:30) is also inside; 12:00 UTC is not.
	noon := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC) // 12:00 Bogota
	e = newTestEngine(t, []types.Rule{r}, nil, bogota, noon)
	out = e.Evaluate(context.Background(), baseContext())
	if out.Result != types.ResultDeny || out.ReasonCode != types.ReasonNoMatchingRule {
		t.Fatalf("got %s/%s, want DENY/NO_MATCHING_RULE outside window", out.Result, out.ReasonCode)
	}
}

func TestEvaluateZoneFallbackToUTC(t *testing.T) {
	// Window 08:00–18:00; 14:00 UTC matches only if UTC fallback is applied.
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	from, to := 8*60, 18*60

	r := activeRule(types.ActionPermit)
	r.DailyFrom, r.DailyTo = &from, &to

	e := New(stubCandidates{rules: []types.Rule{r}}, stubZones{err: errors.New("zone lookup failed")})
	e.now = func() time.Time { return now }

	out := e.Evaluate(context.Background(), baseContext())
	if out.Result != types.ResultPermit {
		t.Fatalf("Result = %s, want PERMIT under UTC fallback", out.Result)
	}
}

func TestEvaluateValidityBounds(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		from *time.Time
		to   *time.Time
		want types.DecisionResult
	}{
		{"inside bounds", &past, &future, types.ResultPermit},
		{"not yet valid", &future, nil, types.ResultDeny},
		{"expired", nil, &past, types.ResultDeny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := activeRule(types.ActionPermit)
			r.ValidFromUTC, r.ValidToUTC = tt.from, tt.to
			e := newTestEngine(t, []types.Rule{r}, nil, time.UTC, now)
			out := e.Evaluate(context.Background(), baseContext())
			if out.Result != tt.want {
				t.Errorf("Result = %s, want %s", out.Result, tt.want)
			}
		})
	}
}

func TestTranslateActions(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	t.Run("deny uses default message", func(t *testing.T) {
		e := newTestEngine(t, []types.Rule{activeRule(types.ActionDeny)}, nil, time.UTC, now)
		out := e.Evaluate(context.Background(), baseContext())
		if out.Result != types.ResultDeny || out.ReasonCode != types.ReasonRuleMatchDeny {
			t.Fatalf("got %s/%s", out.Result, out.ReasonCode)
		}
		if out.Message != "Access denied" {
			t.Errorf("Message = %q, want default", out.Message)
		}
		if out.CommandHint == nil || *out.CommandHint != types.CmdDenyWithSignal {
			t.Errorf("CommandHint = %v, want DENY_WITH_SIGNAL", out.CommandHint)
		}
	})

	t.Run("require auth is pending without command", func(t *testing.T) {
		e := newTestEngine(t, []types.Rule{activeRule(types.ActionRequireAuth)}, nil, time.UTC, now)
		out := e.Evaluate(context.Background(), baseContext())
		if out.Result != types.ResultPending || out.ReasonCode != types.ReasonRuleMatchRequireAuth {
			t.Fatalf("got %s/%s", out.Result, out.ReasonCode)
		}
		if out.CommandHint != nil {
			t.Errorf("CommandHint = %v, want nil", out.CommandHint)
		}
	})

	t.Run("wait control sets expiry", func(t *testing.T) {
		e := newTestEngine(t, []types.Rule{activeRule(types.ActionWaitControl)}, nil, time.UTC, now)
		out := e.Evaluate(context.Background(), baseContext())
		if out.Result != types.ResultPending || out.ReasonCode != types.ReasonRuleMatchWaitControl {
			t.Fatalf("got %s/%s", out.Result, out.ReasonCode)
		}
		if out.ExpiresAt == nil || !out.ExpiresAt.Equal(now.Add(waitControlExpiry)) {
			t.Errorf("ExpiresAt = %v, want %v", out.ExpiresAt, now.Add(waitControlExpiry))
		}
	})

	t.Run("unknown action degrades to error", func(t *testing.T) {
		r := activeRule("ESCALATE")
		e := newTestEngine(t, []types.Rule{r}, nil, time.UTC, now)
		out := e.Evaluate(context.Background(), baseContext())
		if out.Result != types.ResultError || out.ReasonCode != types.ReasonPolicyError {
			t.Fatalf("got %s/%s, want ERROR/POLICY_ERROR", out.Result, out.ReasonCode)
		}
	})
}

func TestMatchesDimensionFilters(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	dc := baseContext()

	tests := []struct {
		name   string
		mutate func(*types.Rule)
		want   bool
	}{
		{"wildcard rule", func(*types.Rule) {}, true},
		{"device match", func(r *types.Rule) { r.DeviceID = "dev-1" }, true},
		{"device mismatch", func(r *types.Rule) { r.DeviceID = "dev-2" }, false},
		{"auth mismatch", func(r *types.Rule) { r.AuthMethod = types.AuthPin }, false},
		{"inactive rule", func(r *types.Rule) { r.State = types.RuleInactive }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := activeRule(types.ActionPermit)
			tt.mutate(&r)
			e := newTestEngine(t, nil, nil, time.UTC, now)
			if got := e.matches(&r, dc, now, now); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRuleWinsOrdering(t *testing.T) {
	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)

	low := types.Rule{ID: "c", Priority: 10}
	stale := types.Rule{ID: "a", Priority: 100, UpdatedAt: &earlier}
	fresh := types.Rule{ID: "b", Priority: 100, UpdatedAt: &now}

	if !ruleWins(&stale, &low) {
		t.Error("higher priority must win")
	}
	if !ruleWins(&fresh, &stale) {
		t.Error("newer updatedAt must break a priority tie")
	}
	if ruleWins(&low, &fresh) {
		t.Error("lower priority must not win against a newer high-priority rule")
	}
}
