package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelops/sentinel-core/internal/cache"
	"github.com/sentinelops/sentinel-core/internal/metrics"
	"github.com/sentinelops/sentinel-core/internal/models"
)

// samplesPerDay assumes the default 5-minute collection cadence.
const samplesPerDay = 288

// Options tune baseline learning.
type Options struct {
	MinHistoryDays     int
	OptimalHistoryDays int
	MinHourlySamples   int
	MaxAge             time.Duration
	Parallelism        int
	SnapshotKey        string
	SnapshotTTL        time.Duration
}

func (o *Options) applyDefaults() {
	if o.MinHistoryDays <= 0 {
		o.MinHistoryDays = 7
	}
	if o.OptimalHistoryDays <= 0 {
		o.OptimalHistoryDays = 30
	}
	if o.MinHourlySamples <= 0 {
		o.MinHourlySamples = 5
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 24 * time.Hour
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.SnapshotKey == "" {
		o.SnapshotKey = "sentinel:baselines"
	}
	if o.SnapshotTTL <= 0 {
		o.SnapshotTTL = 72 * time.Hour
	}
}

// Engine learns statistical baselines from metric history and serves them to
// the detector through its Store.
type Engine struct {
	opts   Options
	store  *Store
	cache  cache.Provider
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine builds a baseline engine. A nil cache disables snapshots and a
// nil logger falls back to the default.
func NewEngine(opts Options, cacheProvider cache.Provider, logger *slog.Logger) *Engine {
	opts.applyDefaults()
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:   opts,
		store:  NewStore(),
		cache:  cacheProvider,
		logger: logger,
		now:    time.Now,
	}
}

// Store exposes the learned baselines.
func (e *Engine) Store() *Store { return e.store }

// LearnBaseline computes a baseline from one metric's history. It returns nil
// when the series does not span the minimum history window; every accepted
// sample contributes to the statistics.
func (e *Engine) LearnBaseline(series models.MetricSeries) *models.Baseline {
	minSpan := time.Duration(e.opts.MinHistoryDays) * 24 * time.Hour
	span := series.Span()
	if span < minSpan {
		e.logger.Debug("insufficient history for baseline",
			"metric", series.Key(),
			"span", span,
			"required", minSpan,
		)
		return nil
	}

	values := series.Values()
	now := e.now()

	b := &models.Baseline{
		MetricName:   series.Name,
		Labels:       series.Labels,
		CreatedAt:    now,
		UpdatedAt:    now,
		DataStart:    series.DataPoints[0].Timestamp,
		DataEnd:      series.DataPoints[len(series.DataPoints)-1].Timestamp,
		SampleCount:  len(values),
		GlobalStats:  ComputeStatistics(values),
		CoverageDays: int(span.Hours() / 24),
	}

	for hour, hourValues := range e.bucketByHour(series) {
		if len(hourValues) < e.opts.MinHourlySamples {
			continue
		}
		stats := ComputeStatistics(hourValues)
		b.HourlyStats[hour] = &stats
	}

	b.QualityScore = e.qualityScore(len(values), b.CoverageDays)
	return b
}

// LearnAll learns baselines for every series concurrently and merges the
// results into the store per metric key. A series with insufficient history
// is skipped and leaves any previously learned baseline for that key
// untouched.
func (e *Engine) LearnAll(ctx context.Context, series []models.MetricSeries) (int, error) {
	learned := make([]*models.Baseline, len(series))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, s := range series {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			learned[i] = e.LearnBaseline(s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.CountBaselineLearned(err)
		return 0, fmt.Errorf("learn baselines: %w", err)
	}

	kept := 0
	for _, b := range learned {
		if b == nil {
			continue
		}
		e.store.Put(b)
		metrics.CountBaselineLearned(nil)
		kept++
	}

	e.logger.Info("baselines learned",
		"series", len(series),
		"baselines", kept,
		"skipped", len(series)-kept,
	)
	return kept, nil
}

// ExpectedValue returns the expected (mean, std) for a metric at a timestamp.
func (e *Engine) ExpectedValue(key string, ts time.Time) (float64, float64, bool) {
	b, ok := e.store.Get(key)
	if !ok {
		return 0, 0, false
	}
	mean, std := b.ExpectedValue(ts)
	return mean, std, true
}

// StaleBaselines lists baselines due for a refresh.
func (e *Engine) StaleBaselines() []*models.Baseline {
	return e.store.Stale(e.now(), e.opts.MaxAge)
}

// Export serialises all baselines to JSON.
func (e *Engine) Export() ([]byte, error) {
	return json.Marshal(e.store.All())
}

// Import replaces the store contents with baselines parsed from JSON.
func (e *Engine) Import(data []byte) (int, error) {
	var baselines []*models.Baseline
	if err := json.Unmarshal(data, &baselines); err != nil {
		return 0, fmt.Errorf("parse baselines: %w", err)
	}
	e.store.Replace(baselines)
	return len(baselines), nil
}

// Snapshot persists the current baselines to the cache so a restart can skip
// the initial learning window.
func (e *Engine) Snapshot(ctx context.Context) error {
	data, err := e.Export()
	if err != nil {
		return err
	}
	if err := e.cache.Set(ctx, e.opts.SnapshotKey, data, e.opts.SnapshotTTL); err != nil {
		return fmt.Errorf("snapshot baselines: %w", err)
	}
	return nil
}

// Restore loads baselines from the cache snapshot. A missing snapshot is not
// an error; it returns 0.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	data, err := e.cache.Get(ctx, e.opts.SnapshotKey)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return 0, nil
		}
		return 0, fmt.Errorf("restore baselines: %w", err)
	}
	n, err := e.Import(data)
	if err != nil {
		return 0, err
	}
	e.logger.Info("baselines restored from snapshot", "count", n)
	return n, nil
}

func (e *Engine) bucketByHour(series models.MetricSeries) map[int][]float64 {
	buckets := make(map[int][]float64, 24)
	for _, p := range series.DataPoints {
		hour := p.Timestamp.Hour()
		buckets[hour] = append(buckets[hour], p.Value)
	}
	return buckets
}

// qualityScore blends sample density and history coverage into [0, 1].
func (e *Engine) qualityScore(samples, coverageDays int) float64 {
	optimalSamples := float64(e.opts.OptimalHistoryDays * samplesPerDay)
	sampleScore := float64(samples) / optimalSamples
	if sampleScore > 1 {
		sampleScore = 1
	}
	coverageScore := float64(coverageDays) / float64(e.opts.OptimalHistoryDays)
	if coverageScore > 1 {
		coverageScore = 1
	}
	return 0.4*sampleScore + 0.6*coverageScore
}
