// Package events defines the domain events written through the transactional
// outbox and the wire envelope they are dispatched in.
package events

import (
	"time"

	"github.com/tessara/accesscore/pkg/types"
)

// Event type identifiers. Types under "policy." fan out to the cluster
// invalidation channel instead of the downstream webhook sink.
const (
	TypeAttemptRegistered      = "access.attempt.registered"
	TypeDecisionMade           = "access.decision.made"
	TypeCommandEmitted         = "access.command.emitted"
	TypeCommandExecuted        = "access.command.executed"
	TypePolicyChanged          = "policy.rule.changed"
	TypeInvalidateAllRequested = "policy.invalidate_all"

	PolicyTypePrefix = "policy."
)

// Aggregate types referenced by envelopes.
const (
	AggregateAttempt = "ATTEMPT"
	AggregateCommand = "COMMAND"
	AggregateArea    = "AREA"
	AggregateOrg     = "ORGANIZATION"
)

// Event is the sum type accepted by the composite publisher. Implementations
// are plain structs; identity and routing metadata come from the registry.
type Event interface {
	EventType() string
}

type AttemptRegistered struct {
	OrgID      string            `json:"orgId"`
	AttemptID  string            `json:"attemptId"`
	DeviceID   string            `json:"deviceId"`
	AreaID     string            `json:"areaId"`
	Direction  types.Direction   `json:"direction"`
	AuthMethod types.AuthMethod  `json:"authMethod"`
	Subject    types.SubjectType `json:"subject"`
	OccurredAt time.Time         `json:"occurredAt"`
}

func (AttemptRegistered) EventType() string { return TypeAttemptRegistered }

type DecisionMade struct {
	OrgID      string               `json:"orgId"`
	DecisionID string               `json:"decisionId"`
	AttemptID  string               `json:"attemptId"`
	Result     types.DecisionResult `json:"result"`
	ReasonCode string               `json:"reasonCode"`
	Detail     string               `json:"detail,omitempty"`
	DecidedAt  time.Time            `json:"decidedAt"`
	ExpiresAt  *time.Time           `json:"expiresAt,omitempty"`
}

func (DecisionMade) EventType() string { return TypeDecisionMade }

type CommandEmitted struct {
	OrgID     string            `json:"orgId"`
	CommandID string            `json:"commandId"`
	AttemptID string            `json:"attemptId"`
	DeviceID  string            `json:"deviceId"`
	Type      types.CommandType `json:"type"`
	Message   string            `json:"message,omitempty"`
	SentAt    time.Time         `json:"sentAt"`
}

func (CommandEmitted) EventType() string { return TypeCommandEmitted }

// CommandExecuted carries (orgId, commandId, finalState) so at-least-once
// consumers can dedupe late or replayed outcomes.
type CommandExecuted struct {
	OrgID      string             `json:"orgId"`
	CommandID  string             `json:"commandId"`
	AttemptID  string             `json:"attemptId"`
	DeviceID   string             `json:"deviceId"`
	FinalState types.CommandState `json:"finalState"`
	At         time.Time          `json:"at"`
	ErrorCode  string             `json:"errorCode,omitempty"`
	Detail     string             `json:"detail,omitempty"`
	ExternalID string             `json:"externalId,omitempty"`
}

func (CommandExecuted) EventType() string { return TypeCommandExecuted }

type PolicyChanged struct {
	OrgID      string `json:"orgId"`
	AreaID     string `json:"areaId"`
	RuleID     string `json:"ruleId"`
	ChangeType string `json:"changeType"` // CREATED, UPDATED, DEACTIVATED
}

func (PolicyChanged) EventType() string { return TypePolicyChanged }

type InvalidateAllRequested struct {
	OrgID string `json:"orgId"`
}

func (InvalidateAllRequested) EventType() string { return TypeInvalidateAllRequested }

// Envelope is the wire format dispatched to external consumers. Payload is the
// serialized event; AggregateID doubles as the message ordering key.
type Envelope struct {
	IDEvent       string    `json:"idEvent"`
	OrgID         string    `json:"orgId"`
	EventType     string    `json:"eventType"`
	AggregateType string    `json:"aggregateType"`
	AggregateID   string    `json:"aggregateId"`
	OccurredAt    time.Time `json:"occurredAt"`
	Payload       string    `json:"payload"`
}
