package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/resilience"
)

// WebhookNotifier posts events as JSON to a URL. Repeated failures open a
// circuit breaker so a dead endpoint does not slow down reconciliation.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(url string, breaker resilience.CircuitBreakerConfig) *WebhookNotifier {
	breaker.ShouldTrip = resilience.IsTransient
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: resilience.NewCircuitBreaker(breaker),
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.post(ctx, payload)
	})
}

func (w *WebhookNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "notify: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
