package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func validAttemptRequest() RegisterAttemptRequest {
	return RegisterAttemptRequest{
		DeviceID:       "dev-1",
		AreaID:         "area-1",
		Direction:      "in",
		AuthMethod:     "card",
		IdempotencyKey: "gw-1:evt-42",
	}
}

func TestRegisterAttemptRequestNormalizeAndValidate(t *testing.T) {
	t.Run("normalizes case and whitespace", func(t *testing.T) {
		req := RegisterAttemptRequest{
			DeviceID:       "  dev-1  ",
			AreaID:         " area-1 ",
			Direction:      " in ",
			AuthMethod:     "qr",
			IdempotencyKey: " key-1 ",
		}
		if err := req.NormalizeAndValidate(); err != nil {
			t.Fatalf("NormalizeAndValidate: %v", err)
		}
		if req.DeviceID != "dev-1" || req.Direction != DirectionIn || req.AuthMethod != AuthQR {
			t.Errorf("normalization failed: %+v", req)
		}
		if req.IdempotencyKey != "key-1" {
			t.Errorf("IdempotencyKey = %q", req.IdempotencyKey)
		}
	})

	t.Run("converts occurredAt to UTC", func(t *testing.T) {
		bogota, _ := time.LoadLocation("America/Bogota")
		at := time.Date(2026, 3, 10, 23, 30, 0, 0, bogota)
		req := validAttemptRequest()
		req.OccurredAt = &at
		if err := req.NormalizeAndValidate(); err != nil {
			t.Fatalf("NormalizeAndValidate: %v", err)
		}
		if req.OccurredAt.Location() != time.UTC {
			t.Errorf("OccurredAt zone = %v, want UTC", req.OccurredAt.Location())
		}
		if !req.OccurredAt.Equal(at) {
			t.Errorf("OccurredAt instant changed: %v vs %v", req.OccurredAt, at)
		}
	})

	tests := []struct {
		name   string
		mutate func(*RegisterAttemptRequest)
		field  string
	}{
		{"missing device", func(r *RegisterAttemptRequest) { r.DeviceID = " " }, "deviceId"},
		{"missing area", func(r *RegisterAttemptRequest) { r.AreaID = "" }, "areaId"},
		{"bad direction", func(r *RegisterAttemptRequest) { r.Direction = "SIDEWAYS" }, "direction"},
		{"bad auth method", func(r *RegisterAttemptRequest) { r.AuthMethod = "TELEPATHY" }, "authMethod"},
		{"missing idempotency key", func(r *RegisterAttemptRequest) { r.IdempotencyKey = "" }, "idempotencyKey"},
		{"oversized idempotency key", func(r *RegisterAttemptRequest) {
			r.IdempotencyKey = strings.Repeat("k", MaxIdempotencyKeyChars+1)
		}, "idempotencyKey"},
		{"oversized payload", func(r *RegisterAttemptRequest) {
			r.RawPayload = json.RawMessage(strings.Repeat("x", MaxRawPayloadBytes+1))
		}, "rawPayload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validAttemptRequest()
			tt.mutate(&req)
			err := req.NormalizeAndValidate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("error = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestCommandOutcomeRequestNormalizeAndValidate(t *testing.T) {
	t.Run("accepts terminal states", func(t *testing.T) {
		for _, state := range []string{"executed_ok", "EXECUTED_ERROR", " timeout "} {
			req := CommandOutcomeRequest{State: CommandState(state), ErrorCode: "E1"}
			if err := req.NormalizeAndValidate(); err != nil {
				t.Errorf("state %q: %v", state, err)
			}
		}
	})

	t.Run("rejects SENT", func(t *testing.T) {
		req := CommandOutcomeRequest{State: CommandSent}
		if err := req.NormalizeAndValidate(); err == nil {
			t.Fatal("expected validation error for non-terminal state")
		}
	})

	t.Run("EXECUTED_ERROR requires diagnostics", func(t *testing.T) {
		req := CommandOutcomeRequest{State: CommandExecutedError}
		if err := req.NormalizeAndValidate(); err == nil {
			t.Fatal("expected validation error without errorCode or detail")
		}
		req = CommandOutcomeRequest{State: CommandExecutedError, Detail: "door jammed"}
		if err := req.NormalizeAndValidate(); err != nil {
			t.Fatalf("detail alone should satisfy: %v", err)
		}
	})

	t.Run("length limits", func(t *testing.T) {
		req := CommandOutcomeRequest{
			State:     CommandExecutedError,
			ErrorCode: strings.Repeat("E", MaxErrorCodeChars+1),
		}
		if err := req.NormalizeAndValidate(); err == nil {
			t.Fatal("expected errorCode length error")
		}
	})
}

func TestUpsertRuleRequestToRule(t *testing.T) {
	t.Run("defaults and clock parsing", func(t *testing.T) {
		req := UpsertRuleRequest{
			AreaID:    "area-1",
			Subject:   SubjectUnknown,
			Action:    ActionPermit,
			DailyFrom: "23:00",
			DailyTo:   "07:00",
		}
		rule, err := req.ToRule("org-1")
		if err != nil {
			t.Fatalf("ToRule: %v", err)
		}
		if rule.Priority != 100 {
			t.Errorf("Priority = %d, want default 100", rule.Priority)
		}
		if rule.State != RuleActive {
			t.Errorf("State = %s, want ACTIVE", rule.State)
		}
		if rule.DailyFrom == nil || *rule.DailyFrom != 23*60 {
			t.Errorf("DailyFrom = %v, want 1380", rule.DailyFrom)
		}
		if rule.DailyTo == nil || *rule.DailyTo != 7*60 {
			t.Errorf("DailyTo = %v, want 420", rule.DailyTo)
		}
	})

	t.Run("window bounds must come together", func(t *testing.T) {
		req := UpsertRuleRequest{
			AreaID:    "area-1",
			Subject:   SubjectUnknown,
			Action:    ActionPermit,
			DailyFrom: "09:00",
		}
		if _, err := req.ToRule("org-1"); err == nil {
			t.Fatal("expected error for half-open window")
		}
	})

	t.Run("rejects unknown action", func(t *testing.T) {
		req := UpsertRuleRequest{AreaID: "area-1", Subject: SubjectUnknown, Action: "ESCALATE"}
		if _, err := req.ToRule("org-1"); err == nil {
			t.Fatal("expected error for unknown action")
		}
	})

	t.Run("truncates message", func(t *testing.T) {
		req := UpsertRuleRequest{
			AreaID:  "area-1",
			Subject: SubjectUnknown,
			Action:  ActionDeny,
			Message: strings.Repeat("m", MaxMessageChars+50),
		}
		rule, err := req.ToRule("org-1")
		if err != nil {
			t.Fatalf("ToRule: %v", err)
		}
		if len(rule.Message) != MaxMessageChars {
			t.Errorf("Message length = %d, want %d", len(rule.Message), MaxMessageChars)
		}
	})
}
