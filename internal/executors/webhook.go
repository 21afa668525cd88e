package executors

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sentinelops/sentinel-core/internal/metrics"
	"github.com/sentinelops/sentinel-core/internal/models"
)

const maxResponseExcerpt = 512

// WebhookExecutor delegates remediation to external HTTP endpoints: cache
// flushes, circuit breaker toggles, traffic shifts, failover orchestrators
// and arbitrary webhooks. A call succeeds when the response status is below
// 400.
type WebhookExecutor struct {
	client  *http.Client
	retry   RetryPolicy
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewWebhookExecutor builds an executor with a shared circuit breaker so a
// dead endpoint stops consuming the retry budget of every plan.
func NewWebhookExecutor(timeout time.Duration, retry RetryPolicy, logger *slog.Logger) *WebhookExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "webhook-executor",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &WebhookExecutor{
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		breaker: breaker,
		logger:  logger,
	}
}

// Name identifies the executor in logs and audit entries.
func (e *WebhookExecutor) Name() string { return "webhook" }

// Supports reports which actions this executor handles.
func (e *WebhookExecutor) Supports(action models.ActionType) bool {
	switch action {
	case models.ActionCacheFlush, models.ActionCircuitBreaker,
		models.ActionTrafficShift, models.ActionDatabaseFailover,
		models.ActionCustomWebhook:
		return true
	}
	return false
}

// Execute calls the endpoint described by the step parameters, retrying
// transient failures (network errors, 5xx, 429) within the policy budget.
func (e *WebhookExecutor) Execute(ctx context.Context, step *models.ActionStep) (Result, error) {
	url, _ := step.Parameters["url"].(string)
	if url == "" {
		return Result{}, fmt.Errorf("step %s requires a url parameter", step.ID)
	}
	result, err := e.call(ctx, step, url)
	metrics.CountExecutorAttempt(string(step.ActionType), err)
	return result, err
}

// Rollback calls the compensating endpoint, when the playbook defined one.
func (e *WebhookExecutor) Rollback(ctx context.Context, step *models.ActionStep) (Result, error) {
	url, _ := step.Parameters["rollback_url"].(string)
	if url == "" {
		return Result{}, fmt.Errorf("step %s has no rollback endpoint", step.ID)
	}
	return e.call(ctx, step, url)
}

func (e *WebhookExecutor) call(ctx context.Context, step *models.ActionStep, url string) (Result, error) {
	method, _ := step.Parameters["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	body, _ := step.Parameters["body"].(string)

	var result Result
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		out, callErr := e.breaker.Execute(func() (any, error) {
			return e.once(ctx, method, url, body, step)
		})
		if r, ok := out.(Result); ok {
			result = r
		}
		if callErr != nil {
			if callErr == gobreaker.ErrOpenState || callErr == gobreaker.ErrTooManyRequests {
				return Retryable(callErr)
			}
			return callErr
		}
		if !result.Success {
			return fmt.Errorf("webhook returned %s", result.Detail)
		}
		return nil
	})
	if err != nil {
		if result.Detail == "" {
			result.Detail = err.Error()
		}
		return result, err
	}
	return result, nil
}

func (e *WebhookExecutor) once(ctx context.Context, method, url, body string, step *models.ActionStep) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := step.Parameters["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, Retryable(err)
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseExcerpt))
	result := Result{
		Success:         resp.StatusCode < 400,
		Detail:          resp.Status,
		ResponseExcerpt: string(excerpt),
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return result, Retryable(fmt.Errorf("webhook %s returned %s", url, resp.Status))
	}
	e.logger.Debug("webhook call finished",
		"action", step.ActionType,
		"url", url,
		"status", resp.StatusCode,
	)
	return result, nil
}
