package detector

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sentinelops/sentinel-core/internal/baseline"
	"github.com/sentinelops/sentinel-core/internal/metrics"
	"github.com/sentinelops/sentinel-core/internal/models"
)

// madScale converts a MAD into a robust std-equivalent (0.6745 is the 75th
// percentile of the standard normal distribution).
const madScale = 0.6745

// saturatedDeviation stands in for an unbounded deviation when the baseline
// has zero dispersion but the value moved anyway.
const saturatedDeviation = 10.0

// severityWeights scale raw deviation by how much a subsystem matters before
// classification. Weights stay above 2/3 so a 6-sigma deviation always lands
// at least in the high band.
var severityWeights = map[models.MetricCategory]float64{
	models.CategoryTrading:        1.2,
	models.CategoryMatching:       1.2,
	models.CategoryRisk:           1.3,
	models.CategoryWallet:         1.3,
	models.CategoryDatabase:       1.1,
	models.CategoryAPI:            1.0,
	models.CategoryInfrastructure: 0.9,
	models.CategoryQueue:          0.9,
	models.CategoryBusiness:       0.8,
}

// Options tune anomaly detection.
type Options struct {
	ZScoreThreshold float64
	MADThreshold    float64
	MediumCut       float64
	HighCut         float64
	CriticalCut     float64
	TrendWindow     int
	// ResolutionRatio applies hysteresis: an active anomaly resolves only
	// once the deviation drops below ResolutionRatio * ZScoreThreshold.
	ResolutionRatio float64
}

func (o *Options) applyDefaults() {
	if o.ZScoreThreshold <= 0 {
		o.ZScoreThreshold = 3.0
	}
	if o.MADThreshold <= 0 {
		o.MADThreshold = 3.5
	}
	if o.MediumCut <= 0 {
		o.MediumCut = 3.0
	}
	if o.HighCut <= 0 {
		o.HighCut = 4.0
	}
	if o.CriticalCut <= 0 {
		o.CriticalCut = 5.0
	}
	if o.TrendWindow <= 0 {
		o.TrendWindow = 5
	}
	if o.ResolutionRatio <= 0 || o.ResolutionRatio >= 1 {
		o.ResolutionRatio = 0.7
	}
}

// Detector scores fresh series against learned baselines and tracks the open
// anomaly set across detection cycles.
type Detector struct {
	opts      Options
	baselines *baseline.Store
	logger    *slog.Logger
	now       func() time.Time

	// byID holds immutable records: state changes store a fresh copy under
	// the same id, so callers may read returned pointers without the lock.
	mu       sync.RWMutex
	byID     map[string]*models.Anomaly
	activeID map[string]string // metric key -> open anomaly id
}

// New builds a detector reading baselines from the given store.
func New(opts Options, baselines *baseline.Store, logger *slog.Logger) *Detector {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		opts:      opts,
		baselines: baselines,
		logger:    logger,
		now:       time.Now,
		byID:      make(map[string]*models.Anomaly),
		activeID:  make(map[string]string),
	}
}

// Detect evaluates each series against its baseline. Series without a stored
// baseline are counted but never anomalous.
func (d *Detector) Detect(seriesList []models.MetricSeries) models.AnomalyBatch {
	started := d.now()
	batch := models.AnomalyBatch{
		DetectionTime:       started,
		TotalMetricsChecked: len(seriesList),
	}

	for _, series := range seriesList {
		if anomaly := d.evaluate(series); anomaly != nil {
			batch.Anomalies = append(batch.Anomalies, anomaly)
		}
	}

	batch.DetectionDuration = d.now().Sub(started)
	return batch
}

func (d *Detector) evaluate(series models.MetricSeries) *models.Anomaly {
	key := series.Key()
	b, ok := d.baselines.Get(key)
	if !ok {
		d.logger.Debug("no baseline for series", "metric", key)
		return nil
	}
	if len(series.DataPoints) == 0 {
		return nil
	}

	latest := series.DataPoints[len(series.DataPoints)-1]
	deviation, anomalous := d.score(b, latest.Value, latest.Timestamp)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !anomalous {
		d.maybeResolve(key, deviation)
		return nil
	}

	mean, _ := b.ExpectedValue(latest.Timestamp)
	anomalyType := d.classifyType(b, series)
	severity := d.classify(deviation, series.Category)
	startedAt := d.anomalyStart(b, series)
	now := d.now()

	if id, open := d.activeID[key]; open {
		// Records are replaced, never written in place: pointers already
		// handed out stay safe to read without the detector's lock.
		updated := *d.byID[id]
		updated.CurrentValue = latest.Value
		updated.BaselineValue = mean
		updated.Deviation = deviation
		updated.DeviationPercent = deviationPercent(latest.Value, mean)
		updated.DurationMinutes = int(now.Sub(updated.StartedAt).Minutes())
		updated.AnomalyType = anomalyType
		if severity.Rank() > updated.Severity.Rank() {
			updated.Severity = severity
		}
		d.byID[id] = &updated
		return &updated
	}

	anomaly := &models.Anomaly{
		ID:               models.NewAnomalyID(),
		DetectedAt:       now,
		MetricName:       series.Name,
		Category:         series.Category,
		Labels:           series.Labels,
		CurrentValue:     latest.Value,
		BaselineValue:    mean,
		Deviation:        deviation,
		DeviationPercent: deviationPercent(latest.Value, mean),
		AnomalyType:      anomalyType,
		Severity:         severity,
		StartedAt:        startedAt,
		DurationMinutes:  int(now.Sub(startedAt).Minutes()),
	}
	d.byID[anomaly.ID] = anomaly
	d.activeID[key] = anomaly.ID
	metrics.CountAnomaly(string(severity))

	d.logger.Warn("anomaly detected",
		"id", anomaly.ID,
		"metric", key,
		"severity", severity,
		"deviation", deviation,
	)
	return anomaly
}

// score returns the deviation in std-units and whether it crosses the
// detection threshold. When std collapses to zero it falls back to the
// MAD-based robust score, and when that is degenerate too, any movement is
// treated as a saturated deviation.
func (d *Detector) score(b *models.Baseline, value float64, ts time.Time) (float64, bool) {
	stats := b.GlobalStats
	if hourly := b.HourlyStats[ts.Hour()]; hourly != nil {
		stats = *hourly
	}

	if stats.Std > 0 {
		z := (value - stats.Mean) / stats.Std
		return z, math.Abs(z) >= d.opts.ZScoreThreshold
	}

	if stats.MAD > 0 {
		robust := madScale * (value - stats.Median) / stats.MAD
		return robust, math.Abs(robust) >= d.opts.MADThreshold
	}

	if value == stats.Mean {
		return 0, false
	}
	dev := saturatedDeviation
	if value < stats.Mean {
		dev = -saturatedDeviation
	}
	return dev, true
}

// classify maps a category-weighted deviation onto a severity tier.
func (d *Detector) classify(deviation float64, category models.MetricCategory) models.AnomalySeverity {
	weight, ok := severityWeights[category]
	if !ok {
		weight = 1.0
	}
	weighted := math.Abs(deviation) * weight
	switch {
	case weighted >= d.opts.CriticalCut:
		return models.SeverityCritical
	case weighted >= d.opts.HighCut:
		return models.SeverityHigh
	case weighted >= d.opts.MediumCut:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// classifyType distinguishes a sustained deviation (TREND) from an isolated
// spike (POINT) by checking the trailing window.
func (d *Detector) classifyType(b *models.Baseline, series models.MetricSeries) models.AnomalyType {
	window := d.opts.TrendWindow
	if len(series.DataPoints) < window {
		return models.AnomalyTypePoint
	}
	for _, p := range series.DataPoints[len(series.DataPoints)-window:] {
		if _, anomalous := d.score(b, p.Value, p.Timestamp); !anomalous {
			return models.AnomalyTypePoint
		}
	}
	return models.AnomalyTypeTrend
}

// anomalyStart walks backwards to the first point of the current anomalous
// stretch.
func (d *Detector) anomalyStart(b *models.Baseline, series models.MetricSeries) time.Time {
	points := series.DataPoints
	start := points[len(points)-1].Timestamp
	for i := len(points) - 1; i >= 0; i-- {
		if _, anomalous := d.score(b, points[i].Value, points[i].Timestamp); !anomalous {
			break
		}
		start = points[i].Timestamp
	}
	return start
}

// maybeResolve closes an open anomaly once the deviation has dropped below
// the hysteresis band, so a metric hovering near the threshold does not flap.
func (d *Detector) maybeResolve(key string, deviation float64) {
	id, open := d.activeID[key]
	if !open {
		return
	}
	if math.Abs(deviation) >= d.opts.ResolutionRatio*d.opts.ZScoreThreshold {
		return
	}
	now := d.now()
	resolved := *d.byID[id]
	resolved.Resolved = true
	resolved.ResolvedAt = &now
	d.byID[id] = &resolved
	delete(d.activeID, key)

	d.logger.Info("anomaly resolved",
		"id", id,
		"metric", key,
		"deviation", deviation,
	)
}

// Acknowledge marks an anomaly acknowledged by an actor. It reports false for
// an unknown id instead of failing.
func (d *Detector) Acknowledge(id, actor string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.byID[id]
	if !ok {
		return false
	}
	acked := *prev
	acked.Acknowledged = true
	acked.AcknowledgedBy = actor
	d.byID[id] = &acked
	return true
}

// Get returns an anomaly by id.
func (d *Detector) Get(id string) (*models.Anomaly, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.byID[id]
	return a, ok
}

// Active returns currently open anomalies, most severe first.
func (d *Detector) Active() []*models.Anomaly {
	d.mu.RLock()
	defer d.mu.RUnlock()
	active := make([]*models.Anomaly, 0, len(d.activeID))
	for _, id := range d.activeID {
		active = append(active, d.byID[id])
	}
	sortAnomalies(active)
	return active
}

// All returns every tracked anomaly, open and resolved, most severe first.
func (d *Detector) All() []*models.Anomaly {
	d.mu.RLock()
	defer d.mu.RUnlock()
	all := make([]*models.Anomaly, 0, len(d.byID))
	for _, a := range d.byID {
		all = append(all, a)
	}
	sortAnomalies(all)
	return all
}

func sortAnomalies(anomalies []*models.Anomaly) {
	sort.Slice(anomalies, func(i, j int) bool {
		if anomalies[i].Severity.Rank() != anomalies[j].Severity.Rank() {
			return anomalies[i].Severity.Rank() > anomalies[j].Severity.Rank()
		}
		return anomalies[i].DetectedAt.After(anomalies[j].DetectedAt)
	})
}

func deviationPercent(value, mean float64) float64 {
	if mean == 0 {
		return 0
	}
	return (value - mean) / mean * 100
}
