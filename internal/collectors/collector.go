package collectors

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelops/sentinel-core/internal/models"
)

// CollectResult carries whatever series a collection cycle obtained plus the
// per-query errors encountered along the way. Partial data is normal; one
// failing query never aborts the cycle.
type CollectResult struct {
	Series []models.MetricSeries
	Errs   []error
}

// Collector supplies metric series for a time window. The core only depends
// on this shape, not on where the series come from.
type Collector interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	HealthCheck(ctx context.Context) error
	Collect(ctx context.Context, start, end time.Time) (CollectResult, error)
}

type queryCatalog struct {
	Queries []models.MetricQuery `yaml:"queries"`
}

// LoadQueries reads the metric query catalog from a YAML file.
func LoadQueries(path string) ([]models.MetricQuery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query catalog: %w", err)
	}
	var catalog queryCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse query catalog: %w", err)
	}
	for i, q := range catalog.Queries {
		if q.Name == "" || q.Query == "" {
			return nil, fmt.Errorf("catalog entry %d: name and query are required", i)
		}
		if !q.Category.Valid() {
			return nil, fmt.Errorf("catalog entry %s: unknown category %q", q.Name, q.Category)
		}
	}
	return catalog.Queries, nil
}
