package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sentinelops/sentinel-core/internal/executors"
	"github.com/sentinelops/sentinel-core/internal/models"
)

// PrometheusOptions configure the Prometheus-compatible collector.
type PrometheusOptions struct {
	URL     string
	Timeout time.Duration
	Step    time.Duration
	Retry   executors.RetryPolicy
}

// PrometheusCollector evaluates a catalog of range queries against a
// Prometheus-compatible endpoint and converts the results into metric
// series.
type PrometheusCollector struct {
	opts    PrometheusOptions
	queries []models.MetricQuery
	client  *http.Client
	logger  *slog.Logger
}

// NewPrometheusCollector builds a collector over a fixed query catalog.
func NewPrometheusCollector(opts PrometheusOptions, queries []models.MetricQuery, logger *slog.Logger) *PrometheusCollector {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Step <= 0 {
		opts.Step = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PrometheusCollector{
		opts:    opts,
		queries: queries,
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger,
	}
}

// Name identifies the collector in logs.
func (c *PrometheusCollector) Name() string { return "prometheus" }

// Connect verifies the endpoint is reachable.
func (c *PrometheusCollector) Connect(ctx context.Context) error {
	return c.HealthCheck(ctx)
}

// Disconnect releases idle connections.
func (c *PrometheusCollector) Disconnect() error {
	c.client.CloseIdleConnections()
	return nil
}

// HealthCheck probes the standard healthy endpoint.
func (c *PrometheusCollector) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.URL+"/-/healthy", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("prometheus health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("prometheus health check returned %s", resp.Status)
	}
	return nil
}

// Collect evaluates every catalog query over [start, end]. Failing queries
// are recorded in the result's error list; the cycle continues.
func (c *PrometheusCollector) Collect(ctx context.Context, start, end time.Time) (CollectResult, error) {
	var result CollectResult
	for _, q := range c.queries {
		series, err := c.collectQuery(ctx, q, start, end)
		if err != nil {
			result.Errs = append(result.Errs, fmt.Errorf("query %s: %w", q.Name, err))
			c.logger.Warn("metric query failed", "query", q.Name, "error", err)
			continue
		}
		result.Series = append(result.Series, series...)
	}
	return result, nil
}

func (c *PrometheusCollector) collectQuery(ctx context.Context, q models.MetricQuery, start, end time.Time) ([]models.MetricSeries, error) {
	var payload rangeResponse
	err := c.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		payload, callErr = c.queryRange(ctx, q.Query, start, end)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if payload.Status != "success" {
		return nil, fmt.Errorf("prometheus returned status %q: %s", payload.Status, payload.Error)
	}

	seriesList := make([]models.MetricSeries, 0, len(payload.Data.Result))
	for _, r := range payload.Data.Result {
		points, err := r.dataPoints()
		if err != nil {
			return nil, err
		}
		labels := make(map[string]string, len(r.Metric))
		for k, v := range r.Metric {
			if k == "__name__" {
				continue
			}
			labels[k] = v
		}
		series, err := models.NewMetricSeries(q.Name, q.Category, q.Unit, q.Description, labels, points)
		if err != nil {
			return nil, err
		}
		seriesList = append(seriesList, series)
	}
	return seriesList, nil
}

func (c *PrometheusCollector) queryRange(ctx context.Context, query string, start, end time.Time) (rangeResponse, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("step", strconv.FormatInt(int64(c.opts.Step.Seconds()), 10))

	endpoint := c.opts.URL + "/api/v1/query_range?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return rangeResponse{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return rangeResponse{}, executors.Retryable(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return rangeResponse{}, executors.Retryable(err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return rangeResponse{}, executors.Retryable(fmt.Errorf("prometheus returned %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		return rangeResponse{}, fmt.Errorf("prometheus returned %s: %s", resp.Status, truncate(body, 200))
	}

	var payload rangeResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return rangeResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return payload, nil
}

type rangeResponse struct {
	Status string    `json:"status"`
	Error  string    `json:"error"`
	Data   rangeData `json:"data"`
}

type rangeData struct {
	ResultType string        `json:"resultType"`
	Result     []rangeSeries `json:"result"`
}

type rangeSeries struct {
	Metric map[string]string `json:"metric"`
	Values [][2]any          `json:"values"`
}

// dataPoints converts Prometheus [unix, "value"] pairs into typed samples.
func (r rangeSeries) dataPoints() ([]models.MetricDataPoint, error) {
	points := make([]models.MetricDataPoint, 0, len(r.Values))
	for _, pair := range r.Values {
		ts, ok := pair[0].(float64)
		if !ok {
			return nil, fmt.Errorf("unexpected timestamp %v", pair[0])
		}
		raw, ok := pair[1].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected value %v", pair[1])
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse sample value %q: %w", raw, err)
		}
		points = append(points, models.MetricDataPoint{
			Timestamp: time.Unix(int64(ts), 0).UTC(),
			Value:     value,
		})
	}
	return points, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
