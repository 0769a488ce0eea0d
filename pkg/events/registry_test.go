package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRegistryCoversAllEventTypes(t *testing.T) {
	r := NewRegistry()
	want := []string{
		TypeAttemptRegistered,
		TypeCommandEmitted,
		TypeCommandExecuted,
		TypeDecisionMade,
		TypeInvalidateAllRequested,
		TypePolicyChanged,
	}
	got := r.Types()
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDescribeRouting(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name     string
		event    Event
		wantOrg  string
		wantType string
		wantID   string
	}{
		{
			"attempt registered keys on attempt",
			AttemptRegistered{OrgID: "org-1", AttemptID: "att-1"},
			"org-1", AggregateAttempt, "att-1",
		},
		{
			"decision made keys on attempt",
			DecisionMade{OrgID: "org-1", DecisionID: "dec-1", AttemptID: "att-1"},
			"org-1", AggregateAttempt, "att-1",
		},
		{
			"command executed keys on command",
			CommandExecuted{OrgID: "org-1", CommandID: "cmd-1"},
			"org-1", AggregateCommand, "cmd-1",
		},
		{
			"policy change keys on area",
			PolicyChanged{OrgID: "org-1", AreaID: "area-1", RuleID: "rule-1"},
			"org-1", AggregateArea, "area-1",
		},
		{
			"invalidate all keys on org",
			InvalidateAllRequested{OrgID: "org-1"},
			"org-1", AggregateOrg, "org-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orgID, aggType, aggID, payload, err := r.Describe(tt.event)
			if err != nil {
				t.Fatalf("Describe: %v", err)
			}
			if orgID != tt.wantOrg || aggType != tt.wantType || aggID != tt.wantID {
				t.Errorf("got (%s,%s,%s), want (%s,%s,%s)",
					orgID, aggType, aggID, tt.wantOrg, tt.wantType, tt.wantID)
			}
			if !json.Valid(payload) {
				t.Errorf("payload is not valid JSON: %s", payload)
			}
		})
	}
}

func TestDescribeUnregisteredType(t *testing.T) {
	r := NewRegistry()
	if _, _, _, _, err := r.Describe(unknownEvent{}); err == nil {
		t.Fatal("expected error for unregistered event type")
	}
}

type unknownEvent struct{}

func (unknownEvent) EventType() string { return "access.unknown" }

func TestCommandExecutedPayloadCarriesDedupFields(t *testing.T) {
	r := NewRegistry()
	at := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	_, _, _, payload, err := r.Describe(CommandExecuted{
		OrgID:      "org-1",
		CommandID:  "cmd-1",
		FinalState: "EXECUTED_OK",
		At:         at,
	})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	for _, key := range []string{"orgId", "commandId", "finalState"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("payload missing %q: %s", key, payload)
		}
	}
}
