package cache

import (
	"context"
	"testing"

	"github.com/tessara/accesscore/pkg/events"
)

func TestLocalInvalidatorPolicyChanged(t *testing.T) {
	inv := newRecordingInvalidator()
	l := NewLocalInvalidator(inv)

	err := l.HandleEvent(context.Background(), events.PolicyChanged{
		OrgID: "org-1", AreaID: "area-1", RuleID: "rule-1", ChangeType: "UPDATED",
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	select {
	case got := <-inv.area:
		if got != [2]string{"org-1", "area-1"} {
			t.Errorf("invalidated = %v", got)
		}
	default:
		t.Fatal("area invalidation not applied")
	}
}

func TestLocalInvalidatorInvalidateAll(t *testing.T) {
	inv := newRecordingInvalidator()
	l := NewLocalInvalidator(inv)

	if err := l.HandleEvent(context.Background(), events.InvalidateAllRequested{OrgID: "org-1"}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	select {
	case <-inv.all:
	default:
		t.Fatal("full invalidation not applied")
	}
}

func TestLocalInvalidatorIgnoresOtherEvents(t *testing.T) {
	inv := newRecordingInvalidator()
	l := NewLocalInvalidator(inv)

	if err := l.HandleEvent(context.Background(), events.AttemptRegistered{OrgID: "org-1"}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	select {
	case <-inv.area:
		t.Fatal("pipeline events must not touch the cache")
	case <-inv.all:
		t.Fatal("pipeline events must not touch the cache")
	default:
	}
}
