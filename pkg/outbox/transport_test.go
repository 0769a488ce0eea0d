package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tessara/accesscore/pkg/events"
)

func testEnvelope() events.Envelope {
	return events.Envelope{
		IDEvent:       "evt-1",
		OrgID:         "org-1",
		EventType:     events.TypeAttemptRegistered,
		AggregateType: events.AggregateAttempt,
		AggregateID:   "att-1",
		OccurredAt:    time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		Payload:       `{"orgId":"org-1"}`,
	}
}

func TestDeliverSuccess(t *testing.T) {
	var got events.Envelope
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(srv.URL, "sekrit", 5*time.Second)
	if err := tr.Deliver(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got.IDEvent != "evt-1" {
		t.Errorf("delivered envelope = %+v", got)
	}
	if headers.Get("X-Idempotency-Key") != "evt-1" {
		t.Errorf("X-Idempotency-Key = %q", headers.Get("X-Idempotency-Key"))
	}
	if headers.Get("Authorization") != "Bearer sekrit" {
		t.Errorf("Authorization = %q", headers.Get("Authorization"))
	}
}

func TestDeliverClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status        int
		wantClass     string
		wantRetryable bool
	}{
		{http.StatusBadRequest, ClassHTTP4xx, false},
		{http.StatusTooManyRequests, ClassRateLimited, true},
		{http.StatusInternalServerError, ClassHTTP5xx, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		tr := NewWebhookTransport(srv.URL, "", 5*time.Second)
		err := tr.Deliver(context.Background(), testEnvelope())
		srv.Close()

		var f *Failure
		if !errors.As(err, &f) {
			t.Fatalf("status %d: err = %v, want *Failure", tt.status, err)
		}
		if f.Class != tt.wantClass || f.Retryable() != tt.wantRetryable || f.HTTPStatus != tt.status {
			t.Errorf("status %d: got class=%s retryable=%v", tt.status, f.Class, f.Retryable())
		}
	}
}

func TestDeliverSurfacesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(srv.URL, "", 5*time.Second)
	err := tr.Deliver(context.Background(), testEnvelope())

	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("err = %v", err)
	}
	if f.RetryAfter != 42*time.Second {
		t.Errorf("RetryAfter = %v, want 42s", f.RetryAfter)
	}
}

func TestDeliverConnectionRefused(t *testing.T) {
	// Reserve a port and close it so the dial fails fast.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := NewWebhookTransport(url, "", time.Second)
	err := tr.Deliver(context.Background(), testEnvelope())

	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("err = %v", err)
	}
	if !f.Retryable() {
		t.Errorf("connection failures must be retryable, got class %s", f.Class)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter(""); got != 0 {
		t.Errorf("empty = %v", got)
	}
	if got := parseRetryAfter("15"); got != 15*time.Second {
		t.Errorf("seconds = %v", got)
	}
	if got := parseRetryAfter("-3"); got != 0 {
		t.Errorf("negative = %v", got)
	}
	httpDate := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(httpDate); got <= 0 || got > time.Minute {
		t.Errorf("http date = %v", got)
	}
}
