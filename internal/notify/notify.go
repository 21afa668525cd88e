package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sentinelops/sentinel-core/internal/cache"
	"github.com/sentinelops/sentinel-core/internal/executors"
)

// Event kinds emitted by the core.
const (
	KindAnomaly         = "anomaly"
	KindPrediction      = "prediction"
	KindRemediation     = "remediation"
	KindApprovalRequest = "approval-request"
)

// Event is one structured notification. Subject identifies what the event is
// about (anomaly id, plan id) and also keys rate limiting.
type Event struct {
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Subject   string         `json:"subject"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notifier delivers events to an external channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NoopNotifier drops every event.
type NoopNotifier struct{}

// Notify discards the event.
func (NoopNotifier) Notify(context.Context, Event) error { return nil }

// WebhookNotifier posts events as JSON to a single endpoint. Identical
// (kind, subject) pairs are suppressed within the rate interval so a flapping
// anomaly does not flood the channel.
type WebhookNotifier struct {
	url          string
	client       *http.Client
	retry        executors.RetryPolicy
	limits       cache.Provider
	rateInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewWebhookNotifier builds a notifier. A nil limiter disables rate limiting.
func NewWebhookNotifier(url string, timeout, rateInterval time.Duration, limits cache.Provider, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rateInterval <= 0 {
		rateInterval = 5 * time.Minute
	}
	if limits == nil {
		limits = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:          url,
		client:       &http.Client{Timeout: timeout},
		retry:        executors.DefaultRetryPolicy(),
		limits:       limits,
		rateInterval: rateInterval,
		logger:       logger,
		now:          time.Now,
	}
}

// Notify posts the event unless an identical one went out within the rate
// interval. A suppressed event is not an error.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = n.now()
	}

	key := fmt.Sprintf("notify:%s:%s", event.Kind, event.Subject)
	fresh, err := n.limits.SetNX(ctx, key, []byte{1}, n.rateInterval)
	if err != nil {
		// A broken limiter must not block alerting.
		n.logger.Warn("notification rate limiter unavailable", "error", err)
		fresh = true
	}
	if !fresh {
		n.logger.Debug("notification suppressed", "kind", event.Kind, "subject", event.Subject)
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return n.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return executors.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return executors.Retryable(fmt.Errorf("notification endpoint returned %s", resp.Status))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("notification endpoint returned %s", resp.Status)
		}
		return nil
	})
}
