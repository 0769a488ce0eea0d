// Package types defines the canonical access-control schema used across all services.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Enumerations
// ──────────────────────────────────────────────────────────────────────────────

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

func (d Direction) Valid() bool { return d == DirectionIn || d == DirectionOut }

type SubjectType string

const (
	SubjectUnknown  SubjectType = "UNKNOWN"
	SubjectResident SubjectType = "RESIDENT"
	SubjectVisitor  SubjectType = "VISITOR"
	SubjectStaff    SubjectType = "STAFF"
	SubjectVehicle  SubjectType = "VEHICLE"
)

// SubjectTypes lists every subject variant. The candidate cache enumerates it
// when invalidating an area.
var SubjectTypes = []SubjectType{
	SubjectUnknown, SubjectResident, SubjectVisitor, SubjectStaff, SubjectVehicle,
}

type AuthMethod string

const (
	AuthCard      AuthMethod = "CARD"
	AuthPin       AuthMethod = "PIN"
	AuthQR        AuthMethod = "QR"
	AuthBiometric AuthMethod = "BIOMETRIC"
	AuthPlate     AuthMethod = "PLATE"
	AuthRemote    AuthMethod = "REMOTE"
)

func (m AuthMethod) Valid() bool {
	switch m {
	case AuthCard, AuthPin, AuthQR, AuthBiometric, AuthPlate, AuthRemote:
		return true
	}
	return false
}

type DecisionResult string

const (
	ResultPermit  DecisionResult = "PERMIT"
	ResultDeny    DecisionResult = "DENY"
	ResultPending DecisionResult = "PENDING"
	ResultError   DecisionResult = "ERROR"
)

type CommandType string

const (
	CmdOpenDoor       CommandType = "OPEN_DOOR"
	CmdDenyWithSignal CommandType = "DENY_WITH_SIGNAL"
)

type CommandState string

const (
	CommandSent          CommandState = "SENT"
	CommandExecutedOK    CommandState = "EXECUTED_OK"
	CommandExecutedError CommandState = "EXECUTED_ERROR"
	CommandTimeout       CommandState = "TIMEOUT"
)

// Terminal reports whether the state admits no further transition.
func (s CommandState) Terminal() bool {
	return s == CommandExecutedOK || s == CommandExecutedError || s == CommandTimeout
}

type RuleAction string

const (
	ActionPermit      RuleAction = "PERMIT"
	ActionDeny        RuleAction = "DENY"
	ActionRequireAuth RuleAction = "REQUIRE_AUTH"
	ActionWaitControl RuleAction = "WAIT_CONTROL"
)

func (a RuleAction) Valid() bool {
	switch a {
	case ActionPermit, ActionDeny, ActionRequireAuth, ActionWaitControl:
		return true
	}
	return false
}

type RuleState string

const (
	RuleActive   RuleState = "ACTIVE"
	RuleInactive RuleState = "INACTIVE"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// ──────────────────────────────────────────────────────────────────────────────
// Reason catalog
// ──────────────────────────────────────────────────────────────────────────────

const (
	ReasonRuleMatchAllow       = "RULE_MATCH_ALLOW"
	ReasonRuleMatchDeny        = "RULE_MATCH_DENY"
	ReasonRuleMatchRequireAuth = "RULE_MATCH_REQUIRE_AUTH"
	ReasonRuleMatchWaitControl = "RULE_MATCH_WAIT_CONTROL"
	ReasonNoMatchingRule       = "NO_MATCHING_RULE"
	ReasonNoRulesForContext    = "NO_RULES_FOR_CONTEXT"
	ReasonPolicyError          = "POLICY_ERROR"
)

// ──────────────────────────────────────────────────────────────────────────────
// Entities (tenant-scoped by OrgID)
// ──────────────────────────────────────────────────────────────────────────────

type Device struct {
	ID     string `json:"id"`
	OrgID  string `json:"org_id"`
	AreaID string `json:"area_id"`
	Name   string `json:"name,omitempty"`
}

type Attempt struct {
	ID               string          `json:"id"`
	OrgID            string          `json:"org_id"`
	DeviceID         string          `json:"device_id"`
	AreaID           string          `json:"area_id"`
	Direction        Direction       `json:"direction"`
	AuthMethod       AuthMethod      `json:"auth_method"`
	Subject          SubjectType     `json:"subject"`
	CredentialRef    string          `json:"credential_ref,omitempty"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key"`
	GatewayRequestID string          `json:"gateway_request_id,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

type Decision struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"org_id"`
	AttemptID     string         `json:"attempt_id"`
	Result        DecisionResult `json:"result"`
	ReasonCode    string         `json:"reason_code"`
	Detail        string         `json:"detail,omitempty"`
	DecidedAt     time.Time      `json:"decided_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty"`
}

type Command struct {
	ID             string       `json:"id"`
	OrgID          string       `json:"org_id"`
	AttemptID      string       `json:"attempt_id"`
	DeviceID       string       `json:"device_id"`
	Type           CommandType  `json:"type"`
	Message        string       `json:"message,omitempty"`
	State          CommandState `json:"state"`
	SentAt         time.Time    `json:"sent_at"`
	ConfirmedAt    *time.Time   `json:"confirmed_at,omitempty"`
	ErrorCode      string       `json:"error_code,omitempty"`
	ErrorDetail    string       `json:"error_detail,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
	ExternalExecID string       `json:"external_execution_id,omitempty"`
}

// Rule is a single base rule. DailyFrom/DailyTo are minutes since local
// midnight; DailyTo is exclusive and may be smaller than DailyFrom for windows
// that wrap past midnight.
type Rule struct {
	ID           string      `json:"id"`
	OrgID        string      `json:"org_id"`
	AreaID       string      `json:"area_id"`
	DeviceID     string      `json:"device_id,omitempty"`
	Subject      SubjectType `json:"subject"`
	Direction    Direction   `json:"direction,omitempty"`
	AuthMethod   AuthMethod  `json:"auth_method,omitempty"`
	Action       RuleAction  `json:"action"`
	Priority     int         `json:"priority"`
	State        RuleState   `json:"state"`
	Message      string      `json:"message,omitempty"`
	ValidFromUTC *time.Time  `json:"valid_from_utc,omitempty"`
	ValidToUTC   *time.Time  `json:"valid_to_utc,omitempty"`
	DailyFrom    *int        `json:"daily_from,omitempty"`
	DailyTo      *int        `json:"daily_to,omitempty"`
	CreatedAt    *time.Time  `json:"created_at,omitempty"`
	UpdatedAt    *time.Time  `json:"updated_at,omitempty"`
}

type OutboxEvent struct {
	ID            string       `json:"id"`
	OrgID         string       `json:"org_id"`
	EventType     string       `json:"event_type"`
	AggregateType string       `json:"aggregate_type"`
	AggregateID   string       `json:"aggregate_id"`
	Payload       []byte       `json:"payload"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	CreatedAt     time.Time    `json:"created_at"`
	PublishedAt   *time.Time   `json:"published_at,omitempty"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	LastErrorCode string       `json:"last_error_code,omitempty"`
	LastErrorMsg  string       `json:"last_error_msg,omitempty"`
	LastErrorHTTP int          `json:"last_error_http,omitempty"`
	LastErrorAt   *time.Time   `json:"last_error_at,omitempty"`
	LockedAt      *time.Time   `json:"locked_at,omitempty"`
	LockedBy      string       `json:"locked_by,omitempty"`
}

// AuditRecord is an append-only diagnostic row. EventKey is stable per
// occurrence so replays dedupe on (org_id, event_key).
type AuditRecord struct {
	OrgID       string    `json:"org_id"`
	EventKey    string    `json:"event_key"`
	EventType   string    `json:"event_type"`
	AggregateID string    `json:"aggregate_id"`
	Payload     []byte    `json:"payload,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// AuditEventKey builds the stable dedup key for an audit record.
func AuditEventKey(orgID, eventType, aggregateID string, occurredAt time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", orgID, eventType, aggregateID, occurredAt.UTC().UnixNano())
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// CommandIdemKey derives the command idempotency key from its attempt key.
// Re-running the pipeline for the same attempt can therefore never emit a
// second command of the same type.
func CommandIdemKey(attemptKey string, cmdType CommandType) string {
	return fmt.Sprintf("CMD:%s:%s", attemptKey, cmdType)
}

// Truncate returns s cut to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(mins int) string {
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60)
}
