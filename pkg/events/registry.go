package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// entry describes how one event type is serialized and routed.
type entry struct {
	aggregateType string
	aggregateID   func(Event) string
	orgID         func(Event) string
}

// Registry maps event types to their aggregate metadata. It is populated at
// startup; appending an unregistered type is an error so a missing
// registration cannot silently drop routing keys.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]entry)}
	r.register(TypeAttemptRegistered, AggregateAttempt,
		func(e Event) string { return e.(AttemptRegistered).AttemptID },
		func(e Event) string { return e.(AttemptRegistered).OrgID })
	r.register(TypeDecisionMade, AggregateAttempt,
		func(e Event) string { return e.(DecisionMade).AttemptID },
		func(e Event) string { return e.(DecisionMade).OrgID })
	r.register(TypeCommandEmitted, AggregateCommand,
		func(e Event) string { return e.(CommandEmitted).CommandID },
		func(e Event) string { return e.(CommandEmitted).OrgID })
	r.register(TypeCommandExecuted, AggregateCommand,
		func(e Event) string { return e.(CommandExecuted).CommandID },
		func(e Event) string { return e.(CommandExecuted).OrgID })
	r.register(TypePolicyChanged, AggregateArea,
		func(e Event) string { return e.(PolicyChanged).AreaID },
		func(e Event) string { return e.(PolicyChanged).OrgID })
	r.register(TypeInvalidateAllRequested, AggregateOrg,
		func(e Event) string { return e.(InvalidateAllRequested).OrgID },
		func(e Event) string { return e.(InvalidateAllRequested).OrgID })
	return r
}

func (r *Registry) register(eventType, aggregateType string, idFn, orgFn func(Event) string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[eventType]; dup {
		panic(fmt.Sprintf("events: duplicate registration for %q", eventType))
	}
	r.entries[eventType] = entry{aggregateType: aggregateType, aggregateID: idFn, orgID: orgFn}
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Describe resolves routing metadata and the serialized payload for an event.
func (r *Registry) Describe(ev Event) (orgID, aggregateType, aggregateID string, payload []byte, err error) {
	r.mu.RLock()
	e, ok := r.entries[ev.EventType()]
	r.mu.RUnlock()
	if !ok {
		return "", "", "", nil, fmt.Errorf("events.Describe: unregistered event type %q", ev.EventType())
	}
	payload, err = json.Marshal(ev)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("events.Describe marshal %s: %w", ev.EventType(), err)
	}
	return e.orgID(ev), e.aggregateType, e.aggregateID(ev), payload, nil
}
