// Package notify delivers control-plane lifecycle events to an operator-configured
// webhook endpoint. Payloads are HMAC-signed; a circuit breaker stops hammering a
// dead endpoint.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/orchardhq/orchard/internal/circuitbreaker"
	"github.com/orchardhq/orchard/internal/metrics"
	"github.com/orchardhq/orchard/internal/retry"
)

// Event types emitted by the control plane.
const (
	EventTenantProvisioned   = "tenant.provisioned"
	EventProvisioningFailed  = "tenant.provisioning_failed"
	EventTenantSuspended     = "tenant.suspended"
	EventTenantDeleted       = "tenant.deleted"
	EventTenantPurged        = "tenant.purged"
	EventQuotaWarning        = "quota.warning"
	EventBulkOperationFailed = "bulk.operation_failed"
)

// ErrEndpointDown is returned when the circuit breaker is open.
var ErrEndpointDown = errors.New("notify: webhook endpoint circuit open")

// Notifier delivers a lifecycle event. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Send(ctx context.Context, event string, data map[string]any) error
}

// Nop discards every event. Used when no webhook is configured.
type Nop struct{}

func (Nop) Send(ctx context.Context, event string, data map[string]any) error { return nil }

// envelope is the wire shape of a delivered event.
type envelope struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Webhook posts signed event payloads to a single operator-configured URL.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

func NewWebhook(url, secret string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

func (w *Webhook) Send(ctx context.Context, event string, data map[string]any) error {
	if !w.breaker.Allow(w.url) {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return ErrEndpointDown
	}

	payload, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return w.post(ctx, event, payload)
	})
	if err != nil {
		w.breaker.RecordFailure(w.url)
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		w.logger.Error("webhook delivery failed", "event", event, "error", err)
		return err
	}

	w.breaker.RecordSuccess(w.url)
	metrics.NotificationsTotal.WithLabelValues("success").Inc()
	return nil
}

func (w *Webhook) post(ctx context.Context, event string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Orchard-Event", event)
	req.Header.Set("X-Orchard-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if w.secret != "" {
		req.Header.Set("X-Orchard-Signature", Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The endpoint understood us and said no; retrying won't change that.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

// Sign computes the hex HMAC-SHA256 signature receivers use to verify payloads.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Recorder captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

type RecordedEvent struct {
	Event string
	Data  map[string]any
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Send(ctx context.Context, event string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Event: event, Data: data})
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*Webhook)(nil)
	_ Notifier = (*Recorder)(nil)
)
