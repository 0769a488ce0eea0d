package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tessara/accesscore/pkg/events"
)

// WebhookTransport delivers envelopes to the downstream sink as JSON POSTs.
// Any non-2xx response is a classified Failure; Retry-After is surfaced so the
// dispatcher can honor sink pushback.
type WebhookTransport struct {
	client   *http.Client
	endpoint string
	token    string
}

func NewWebhookTransport(endpoint, token string, timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		token:    token,
	}
}

// Deliver posts one envelope. The envelope id doubles as the sink-side
// idempotency key, so at-least-once dispatch stays safe downstream.
func (t *WebhookTransport) Deliver(ctx context.Context, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return &Failure{Class: ClassUnknown, Err: fmt.Errorf("outbox.Deliver marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return &Failure{Class: ClassUnknown, Err: fmt.Errorf("outbox.Deliver request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", env.EventType)
	req.Header.Set("X-Org-ID", env.OrgID)
	req.Header.Set("X-Idempotency-Key", env.IDEvent)
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return classifyErr(err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &Failure{
		Class:      classifyStatus(resp.StatusCode),
		HTTPStatus: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		Err:        fmt.Errorf("outbox.Deliver: sink returned %s", resp.Status),
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
