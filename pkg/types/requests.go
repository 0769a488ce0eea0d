package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────────────────────────────────

const (
	MaxRawPayloadBytes     = 64 * 1024 // 64 KB
	MaxIdempotencyKeyChars = 200
	MaxDetailChars         = 250
	MaxMessageChars        = 120
	MaxErrorCodeChars      = 60
	MaxExternalExecChars   = 120
)

// ──────────────────────────────────────────────────────────────────────────────
// RegisterAttemptRequest — sent by an edge device gateway.
// ──────────────────────────────────────────────────────────────────────────────

type RegisterAttemptRequest struct {
	DeviceID         string          `json:"deviceId"`
	AreaID           string          `json:"areaId"`
	Direction        Direction       `json:"direction"`
	AuthMethod       AuthMethod      `json:"authMethod"`
	CredentialRef    string          `json:"credentialRef,omitempty"`
	RawPayload       json.RawMessage `json:"rawPayload,omitempty"`
	IdempotencyKey   string          `json:"idempotencyKey"`
	GatewayRequestID string          `json:"gatewayRequestId,omitempty"`
	OccurredAt       *time.Time      `json:"occurredAt,omitempty"`
}

// NormalizeAndValidate trims all string fields and enforces the intake
// invariants. Blank optionals collapse to empty.
func (r *RegisterAttemptRequest) NormalizeAndValidate() error {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.AreaID = strings.TrimSpace(r.AreaID)
	r.Direction = Direction(strings.ToUpper(strings.TrimSpace(string(r.Direction))))
	r.AuthMethod = AuthMethod(strings.ToUpper(strings.TrimSpace(string(r.AuthMethod))))
	r.CredentialRef = strings.TrimSpace(r.CredentialRef)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	r.GatewayRequestID = strings.TrimSpace(r.GatewayRequestID)

	if r.DeviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "required"}
	}
	if r.AreaID == "" {
		return &ValidationError{Field: "areaId", Reason: "required"}
	}
	if !r.Direction.Valid() {
		return &ValidationError{Field: "direction", Reason: "must be IN or OUT"}
	}
	if !r.AuthMethod.Valid() {
		return &ValidationError{Field: "authMethod", Reason: "unknown auth method"}
	}
	if r.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotencyKey", Reason: "required"}
	}
	if len(r.IdempotencyKey) > MaxIdempotencyKeyChars {
		return &ValidationError{Field: "idempotencyKey", Reason: fmt.Sprintf("exceeds %d chars", MaxIdempotencyKeyChars)}
	}
	if len(r.RawPayload) > MaxRawPayloadBytes {
		return &ValidationError{Field: "rawPayload", Reason: fmt.Sprintf("exceeds %d bytes", MaxRawPayloadBytes)}
	}
	if r.OccurredAt != nil {
		utc := r.OccurredAt.UTC()
		r.OccurredAt = &utc
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// CommandOutcomeRequest — the device callback body.
// ──────────────────────────────────────────────────────────────────────────────

type CommandOutcomeRequest struct {
	State          CommandState `json:"state"`
	ErrorCode      string       `json:"errorCode,omitempty"`
	Detail         string       `json:"detail,omitempty"`
	OccurredAt     *time.Time   `json:"occurredAt,omitempty"`
	ExternalExecID string       `json:"externalExecutionId,omitempty"`
}

func (r *CommandOutcomeRequest) NormalizeAndValidate() error {
	r.State = CommandState(strings.ToUpper(strings.TrimSpace(string(r.State))))
	r.ErrorCode = strings.TrimSpace(r.ErrorCode)
	r.Detail = strings.TrimSpace(r.Detail)
	r.ExternalExecID = strings.TrimSpace(r.ExternalExecID)

	if !r.State.Terminal() {
		return &ValidationError{Field: "state", Reason: "must be EXECUTED_OK, EXECUTED_ERROR or TIMEOUT"}
	}
	if r.State == CommandExecutedError && r.ErrorCode == "" && r.Detail == "" {
		return &ValidationError{Field: "errorCode", Reason: "errorCode or detail required for EXECUTED_ERROR"}
	}
	if len(r.ErrorCode) > MaxErrorCodeChars {
		return &ValidationError{Field: "errorCode", Reason: fmt.Sprintf("exceeds %d chars", MaxErrorCodeChars)}
	}
	if len(r.Detail) > MaxDetailChars {
		return &ValidationError{Field: "detail", Reason: fmt.Sprintf("exceeds %d chars", MaxDetailChars)}
	}
	if len(r.ExternalExecID) > MaxExternalExecChars {
		return &ValidationError{Field: "externalExecutionId", Reason: fmt.Sprintf("exceeds %d chars", MaxExternalExecChars)}
	}
	if r.OccurredAt != nil {
		utc := r.OccurredAt.UTC()
		r.OccurredAt = &utc
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Rule administration
// ──────────────────────────────────────────────────────────────────────────────

type UpsertRuleRequest struct {
	AreaID       string      `json:"areaId"`
	DeviceID     string      `json:"deviceId,omitempty"`
	Subject      SubjectType `json:"subject"`
	Direction    Direction   `json:"direction,omitempty"`
	AuthMethod   AuthMethod  `json:"authMethod,omitempty"`
	Action       RuleAction  `json:"action"`
	Priority     *int        `json:"priority,omitempty"`
	Message      string      `json:"message,omitempty"`
	ValidFromUTC *time.Time  `json:"validFromUtc,omitempty"`
	ValidToUTC   *time.Time  `json:"validToUtc,omitempty"`
	DailyFrom    string      `json:"dailyFrom,omitempty"` // "HH:MM"
	DailyTo      string      `json:"dailyTo,omitempty"`   // "HH:MM", exclusive
}

// ToRule validates the request and produces a Rule ready for persistence.
func (r *UpsertRuleRequest) ToRule(orgID string) (*Rule, error) {
	r.AreaID = strings.TrimSpace(r.AreaID)
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	if r.AreaID == "" {
		return nil, &ValidationError{Field: "areaId", Reason: "required"}
	}
	if r.Subject == "" {
		return nil, &ValidationError{Field: "subject", Reason: "required"}
	}
	if !r.Action.Valid() {
		return nil, &ValidationError{Field: "action", Reason: "unknown action"}
	}
	if r.Direction != "" && !r.Direction.Valid() {
		return nil, &ValidationError{Field: "direction", Reason: "must be IN or OUT"}
	}
	if r.AuthMethod != "" && !r.AuthMethod.Valid() {
		return nil, &ValidationError{Field: "authMethod", Reason: "unknown auth method"}
	}
	if (r.DailyFrom == "") != (r.DailyTo == "") {
		return nil, &ValidationError{Field: "dailyFrom", Reason: "dailyFrom and dailyTo must be set together"}
	}

	rule := &Rule{
		OrgID:        orgID,
		AreaID:       r.AreaID,
		DeviceID:     r.DeviceID,
		Subject:      r.Subject,
		Direction:    r.Direction,
		AuthMethod:   r.AuthMethod,
		Action:       r.Action,
		Priority:     100,
		State:        RuleActive,
		Message:      Truncate(strings.TrimSpace(r.Message), MaxMessageChars),
		ValidFromUTC: r.ValidFromUTC,
		ValidToUTC:   r.ValidToUTC,
	}
	if r.Priority != nil {
		rule.Priority = *r.Priority
	}
	if r.DailyFrom != "" {
		from, err := ParseClock(r.DailyFrom)
		if err != nil {
			return nil, &ValidationError{Field: "dailyFrom", Reason: err.Error()}
		}
		to, err := ParseClock(r.DailyTo)
		if err != nil {
			return nil, &ValidationError{Field: "dailyTo", Reason: err.Error()}
		}
		rule.DailyFrom, rule.DailyTo = &from, &to
	}
	return rule, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// AttemptResult — the pipeline response.
// ──────────────────────────────────────────────────────────────────────────────

type AttemptResult struct {
	AttemptID      string         `json:"attemptId"`
	DecisionResult DecisionResult `json:"decisionResult"`
	DecisionID     string         `json:"decisionId,omitempty"`
	ReasonCode     string         `json:"reasonCode,omitempty"`
	Detail         string         `json:"detail,omitempty"`
	CommandID      string         `json:"commandId,omitempty"`
	CommandType    CommandType    `json:"commandType,omitempty"`
	CommandState   CommandState   `json:"commandState,omitempty"`
}
