package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubZoneStore struct {
	name  string
	err   error
	calls int
}

func (s *stubZoneStore) AreaZone(_ context.Context, _, _ string) (string, error) {
	s.calls++
	return s.name, s.err
}

func TestZoneResolvesAndMemoizes(t *testing.T) {
	st := &stubZoneStore{name: "America/Bogota"}
	p := NewStoreZoneProvider(st, time.Minute)

	loc, err := p.Zone(context.Background(), "org-1", "area-1")
	if err != nil {
		t.Fatalf("Zone: %v", err)
	}
	if loc.String() != "America/Bogota" {
		t.Errorf("loc = %s, want America/Bogota", loc)
	}

	if _, err := p.Zone(context.Background(), "org-1", "area-1"); err != nil {
		t.Fatalf("Zone (memoized): %v", err)
	}
	if st.calls != 1 {
		t.Errorf("store calls = %d, want 1", st.calls)
	}
}

func TestZoneEmptyNameIsUTC(t *testing.T) {
	p := NewStoreZoneProvider(&stubZoneStore{name: ""}, time.Minute)
	loc, err := p.Zone(context.Background(), "org-1", "area-1")
	if err != nil {
		t.Fatalf("Zone: %v", err)
	}
	if loc != time.UTC {
		t.Errorf("loc = %v, want UTC", loc)
	}
}

func TestZoneErrorsSurface(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		p := NewStoreZoneProvider(&stubZoneStore{err: errors.New("down")}, time.Minute)
		if _, err := p.Zone(context.Background(), "org-1", "area-1"); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("bad zone name", func(t *testing.T) {
		p := NewStoreZoneProvider(&stubZoneStore{name: "Not/AZone"}, time.Minute)
		if _, err := p.Zone(context.Background(), "org-1", "area-1"); err == nil {
			t.Fatal("expected error")
		}
	})
}
