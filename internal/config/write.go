package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oralable/oralytics/internal/trend"
)

// fileConfig mirrors Config with durations as strings so the written file
// reads like hand-written YAML and loads back through viper.
type fileConfig struct {
	LogFile     string          `yaml:"log_file"`
	Debug       bool            `yaml:"debug"`
	Storage     fileStorage     `yaml:"storage"`
	Ingest      fileIngest      `yaml:"ingest"`
	Metrics     fileMetrics     `yaml:"metrics"`
	Calibration fileCalibration `yaml:"calibration"`
}

type fileStorage struct {
	Path            string `yaml:"path"`
	Retention       string `yaml:"retention"`
	PersistInterval string `yaml:"persist_interval"`
	PruneInterval   string `yaml:"prune_interval"`
}

type fileIngest struct {
	ReorderWindow   string `yaml:"reorder_window"`
	MemoryRetention string `yaml:"memory_retention"`
	Capacity        int    `yaml:"capacity"`
}

type fileMetrics struct {
	Ranges             []string          `yaml:"ranges"`
	DefaultRange       string            `yaml:"default_range"`
	Alignment          string            `yaml:"alignment"`
	FirstWeekday       string            `yaml:"first_weekday"`
	Timezone           string            `yaml:"timezone"`
	AutoUpdateInterval string            `yaml:"auto_update_interval"`
	Debounce           string            `yaml:"debounce"`
	BucketWidths       map[string]string `yaml:"bucket_widths"`
	MinimumSpans       map[string]string `yaml:"minimum_spans"`
}

type fileCalibration struct {
	AccelCountsPerG float64            `yaml:"accel_counts_per_g"`
	RestBaselineG   float64            `yaml:"rest_baseline_g"`
	RestToleranceG  float64            `yaml:"rest_tolerance_g"`
	Stability       map[string]float64 `yaml:"stability"`
}

const header = `# oralytics configuration
# Durations use Go syntax (90 days = 2160h). Every key can be overridden with
# an ORALYTICS_ environment variable, e.g. ORALYTICS_STORAGE_PATH.
`

// Marshal renders cfg as YAML. Bucket widths, minimum spans and stability
// bands are written out in full so they can be edited in place.
func Marshal(cfg *Config) ([]byte, error) {
	fc := fileConfig{
		LogFile: cfg.LogFile,
		Debug:   cfg.Debug,
		Storage: fileStorage{
			Path:            cfg.Storage.Path,
			Retention:       formatDuration(cfg.Storage.Retention),
			PersistInterval: formatDuration(cfg.Storage.PersistInterval),
			PruneInterval:   formatDuration(cfg.Storage.PruneInterval),
		},
		Ingest: fileIngest{
			ReorderWindow:   formatDuration(cfg.Ingest.ReorderWindow),
			MemoryRetention: formatDuration(cfg.Ingest.MemoryRetention),
			Capacity:        cfg.Ingest.Capacity,
		},
		Metrics: fileMetrics{
			Ranges:             cfg.Metrics.Ranges,
			DefaultRange:       cfg.Metrics.DefaultRange,
			Alignment:          cfg.Metrics.Alignment,
			FirstWeekday:       cfg.Metrics.FirstWeekday,
			Timezone:           cfg.Metrics.Timezone,
			AutoUpdateInterval: formatDuration(cfg.Metrics.AutoUpdateInterval),
			Debounce:           formatDuration(cfg.Metrics.Debounce),
			BucketWidths:       make(map[string]string),
			MinimumSpans:       make(map[string]string),
		},
		Calibration: fileCalibration{
			AccelCountsPerG: cfg.Calibration.AccelCountsPerG,
			RestBaselineG:   cfg.Calibration.RestBaselineG,
			RestToleranceG:  cfg.Calibration.RestToleranceG,
			Stability:       make(map[string]float64),
		},
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	for _, r := range catalog.Ranges() {
		spec, _ := catalog.Spec(r)
		fc.Metrics.BucketWidths[r.String()] = formatDuration(spec.BucketWidth)
		fc.Metrics.MinimumSpans[r.String()] = formatDuration(spec.MinimumSpan)
	}

	overrides, err := cfg.Thresholds()
	if err != nil {
		return nil, err
	}
	est := trend.NewEstimator(overrides)
	for k := range trend.DefaultThresholds() {
		fc.Calibration.Stability[k.String()] = est.Threshold(k)
	}

	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fc); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path. An existing file
// is left alone unless force is set.
func WriteDefault(path string, force bool) error {
	path = expandHome(path)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	data, err := Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// DefaultPath is where LoadConfig looks first.
func DefaultPath() string {
	return expandHome(filepath.Join("~", ".config", "oralytics", "config.yaml"))
}

// formatDuration prints d in a form time.ParseDuration accepts, without
// trailing zero units ("2160h", "1h30m", "250ms").
func formatDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
