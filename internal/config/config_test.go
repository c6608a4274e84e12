package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/sensor"
	"github.com/oralable/oralytics/internal/trend"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 90*24*time.Hour, cfg.Storage.Retention)
	assert.Equal(t, 10*time.Second, cfg.Storage.PersistInterval)
	assert.Equal(t, time.Hour, cfg.Storage.PruneInterval)
	assert.Equal(t, 5*time.Second, cfg.Ingest.ReorderWindow)
	assert.Equal(t, 31*24*time.Hour, cfg.Ingest.MemoryRetention)
	assert.Equal(t, 30*time.Second, cfg.Metrics.AutoUpdateInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Metrics.Debounce)
	assert.Equal(t, []string{"minute", "hour", "day", "week", "month"}, cfg.Metrics.Ranges)
	assert.False(t, strings.HasPrefix(cfg.Storage.Path, "~"), "home is expanded")

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, metrics.AllTimeRanges(), catalog.Ranges())
	assert.Equal(t, metrics.AlignRolling, catalog.Alignment())

	r, err := cfg.DefaultRange()
	require.NoError(t, err)
	assert.Equal(t, metrics.RangeHour, r)
	assert.Equal(t, metrics.DefaultCalibration(), cfg.AccelCalibration())
}

func TestLoadConfigFromPath_Overrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  path: /tmp/oralytics-test.db
  retention: 720h
ingest:
  capacity: 5000
metrics:
  ranges: [hour, day]
  default_range: day
  alignment: calendar
  first_weekday: sunday
  timezone: UTC
  bucket_widths:
    hour: 30s
  minimum_spans:
    day: 1h
calibration:
  accel_counts_per_g: 8192
  stability:
    heart_rate: 3
`)

	cfg, err := LoadConfigFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/oralytics-test.db", cfg.Storage.Path)
	assert.Equal(t, 720*time.Hour, cfg.Storage.Retention)
	assert.Equal(t, 5000, cfg.Ingest.Capacity)
	assert.Equal(t, 10*time.Second, cfg.Storage.PersistInterval, "unset keys keep defaults")

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, []metrics.TimeRange{metrics.RangeHour, metrics.RangeDay}, catalog.Ranges())
	assert.Equal(t, metrics.AlignCalendar, catalog.Alignment())
	assert.False(t, catalog.Supports(metrics.RangeWeek))

	hour, err := catalog.Spec(metrics.RangeHour)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, hour.BucketWidth)
	assert.Equal(t, metrics.RangeHour.DefaultMinimumSpan(), hour.MinimumSpan)

	day, err := catalog.Spec(metrics.RangeDay)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, day.MinimumSpan)

	r, err := cfg.DefaultRange()
	require.NoError(t, err)
	assert.Equal(t, metrics.RangeDay, r)

	assert.Equal(t, 8192.0, cfg.AccelCalibration().AccelCountsPerG)
	th, err := cfg.Thresholds()
	require.NoError(t, err)
	assert.Equal(t, trend.Thresholds{sensor.KindHeartRate: 3}, th)

	agg, err := cfg.Aggregator()
	require.NoError(t, err)
	assert.Equal(t, 8192.0, agg.Calibration().AccelCountsPerG)
}

func TestLoadConfigFromPath_EnvOverride(t *testing.T) {
	path := writeConfig(t, "debug: false\n")
	t.Setenv("ORALYTICS_STORAGE_PATH", "/tmp/from-env.db")
	t.Setenv("ORALYTICS_DEBUG", "true")

	cfg, err := LoadConfigFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.db", cfg.Storage.Path)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigFromPath_Missing(t *testing.T) {
	_, err := LoadConfigFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"short retention", func(c *Config) { c.Storage.Retention = time.Minute }, "storage.retention"},
		{"persist too slow", func(c *Config) { c.Storage.PersistInterval = time.Hour }, "storage.persist_interval"},
		{"negative capacity", func(c *Config) { c.Ingest.Capacity = -1 }, "ingest.capacity"},
		{"no ranges", func(c *Config) { c.Metrics.Ranges = nil }, "ranges cannot be empty"},
		{"unknown range", func(c *Config) { c.Metrics.Ranges = []string{"hour", "year"} }, "unsupported"},
		{"duplicate range", func(c *Config) { c.Metrics.Ranges = []string{"hour", "h"} }, "duplicate"},
		{"width exceeds range", func(c *Config) {
			c.Metrics.BucketWidths = map[string]time.Duration{"minute": 2 * time.Minute}
		}, "exceeds"},
		{"width for unconfigured range", func(c *Config) {
			c.Metrics.Ranges = []string{"hour"}
			c.Metrics.DefaultRange = "hour"
			c.Metrics.BucketWidths = map[string]time.Duration{"day": time.Hour}
		}, "not a configured range"},
		{"default range not configured", func(c *Config) {
			c.Metrics.Ranges = []string{"day"}
		}, "metrics.default_range"},
		{"bad alignment", func(c *Config) { c.Metrics.Alignment = "lunar" }, "alignment"},
		{"bad weekday", func(c *Config) { c.Metrics.FirstWeekday = "funday" }, "first_weekday"},
		{"bad timezone", func(c *Config) { c.Metrics.Timezone = "Mars/Olympus" }, "timezone"},
		{"zero calibration", func(c *Config) { c.Calibration.AccelCountsPerG = 0 }, "accel_counts_per_g"},
		{"unknown stability kind", func(c *Config) {
			c.Calibration.Stability = map[string]float64{"pressure": 1}
		}, "calibration.stability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := ValidateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseWeekday(t *testing.T) {
	for in, want := range map[string]time.Weekday{"": time.Monday, "Sunday": time.Sunday, "sat": time.Saturday, " monday ": time.Monday} {
		got, err := parseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefault(path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "# oralytics configuration"))
	assert.Contains(t, text, "retention: 2160h\n")
	assert.Contains(t, text, "debounce: 250ms\n")
	assert.Contains(t, text, "hour: 1m\n")

	cfg, err := LoadConfigFromPath(path)
	require.NoError(t, err)
	want := Default()
	assert.Equal(t, want.Storage, cfg.Storage)
	assert.Equal(t, want.Ingest, cfg.Ingest)
	assert.Equal(t, want.Metrics.Ranges, cfg.Metrics.Ranges)

	wantCatalog, err := want.Catalog()
	require.NoError(t, err)
	gotCatalog, err := cfg.Catalog()
	require.NoError(t, err)
	for _, r := range wantCatalog.Ranges() {
		ws, _ := wantCatalog.Spec(r)
		gs, _ := gotCatalog.Spec(r)
		assert.Equal(t, ws, gs, r.String())
	}

	err = WriteDefault(path, false)
	assert.ErrorContains(t, err, "already exists")
	assert.NoError(t, WriteDefault(path, true))
}

func TestFormatDuration(t *testing.T) {
	for d, want := range map[time.Duration]string{
		2160 * time.Hour:        "2160h",
		90 * time.Minute:        "1h30m",
		5 * time.Minute:         "5m",
		250 * time.Millisecond:  "250ms",
		10 * time.Second:        "10s",
		time.Hour + time.Second: "1h0m1s",
	} {
		assert.Equal(t, want, formatDuration(d))
	}
}
