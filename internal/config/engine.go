package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/sensor"
	"github.com/oralable/oralytics/internal/trend"
)

// Catalog builds the supported time ranges from metrics.*.
func (c *Config) Catalog() (*metrics.Catalog, error) {
	m := c.Metrics
	if len(m.Ranges) == 0 {
		return nil, fmt.Errorf("ranges cannot be empty")
	}

	known := make(map[string]bool, len(m.Ranges))
	specs := make([]metrics.RangeSpec, 0, len(m.Ranges))
	for _, name := range m.Ranges {
		r, err := metrics.ParseTimeRange(name)
		if err != nil {
			return nil, err
		}
		known[r.String()] = true
		spec := metrics.DefaultRangeSpec(r)
		if w, ok := m.BucketWidths[r.String()]; ok {
			spec.BucketWidth = w
		}
		if s, ok := m.MinimumSpans[r.String()]; ok {
			spec.MinimumSpan = s
		}
		specs = append(specs, spec)
	}
	for name := range m.BucketWidths {
		if !known[name] {
			return nil, fmt.Errorf("bucket_widths.%s is not a configured range", name)
		}
	}
	for name := range m.MinimumSpans {
		if !known[name] {
			return nil, fmt.Errorf("minimum_spans.%s is not a configured range", name)
		}
	}

	alignment, err := metrics.ParseAlignment(m.Alignment)
	if err != nil {
		return nil, err
	}
	weekday, err := parseWeekday(m.FirstWeekday)
	if err != nil {
		return nil, err
	}
	loc, err := loadLocation(m.Timezone)
	if err != nil {
		return nil, err
	}

	return metrics.NewCatalog(specs,
		metrics.WithAlignment(alignment),
		metrics.WithFirstWeekday(weekday),
		metrics.WithLocation(loc),
	)
}

// DefaultRange returns the range selected at startup. It must be one of the
// configured ranges.
func (c *Config) DefaultRange() (metrics.TimeRange, error) {
	r, err := metrics.ParseTimeRange(c.Metrics.DefaultRange)
	if err != nil {
		return 0, err
	}
	for _, name := range c.Metrics.Ranges {
		if configured, err := metrics.ParseTimeRange(name); err == nil && configured == r {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not in metrics.ranges", metrics.ErrUnsupportedRange, r)
}

// AccelCalibration returns the accelerometer calibration.
func (c *Config) AccelCalibration() metrics.Calibration {
	return metrics.Calibration{
		AccelCountsPerG: c.Calibration.AccelCountsPerG,
		RestBaselineG:   c.Calibration.RestBaselineG,
		RestToleranceG:  c.Calibration.RestToleranceG,
	}
}

// Thresholds returns the configured trend stability overrides keyed by kind.
func (c *Config) Thresholds() (trend.Thresholds, error) {
	out := make(trend.Thresholds, len(c.Calibration.Stability))
	for name, band := range c.Calibration.Stability {
		k, err := sensor.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if band < 0 {
			return nil, fmt.Errorf("%s band must be >= 0, got %v", k, band)
		}
		out[k] = band
	}
	return out, nil
}

// Aggregator builds an aggregator with the configured calibration and
// stability bands.
func (c *Config) Aggregator() (*metrics.Aggregator, error) {
	th, err := c.Thresholds()
	if err != nil {
		return nil, err
	}
	return metrics.NewAggregator(
		metrics.WithCalibration(c.AccelCalibration()),
		metrics.WithEstimator(trend.NewEstimator(th)),
	), nil
}

// LogLevel returns the logger level implied by debug.
func (c *Config) LogLevel() logger.LogLevel {
	if c.Debug {
		return logger.LevelDebug
	}
	return logger.LevelInfo
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return time.Monday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown first_weekday %q", s)
}

func loadLocation(name string) (*time.Location, error) {
	switch strings.TrimSpace(name) {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}
