package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the root configuration structure
type Config struct {
	LogFile     string            `mapstructure:"log_file"`
	Debug       bool              `mapstructure:"debug"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
}

// StorageConfig holds the SQLite sample store settings
type StorageConfig struct {
	// Path is the SQLite database file (default: ~/.config/oralytics/oralytics.db).
	Path            string        `mapstructure:"path"`
	Retention       time.Duration `mapstructure:"retention"`        // default: 2160h (90 days)
	PersistInterval time.Duration `mapstructure:"persist_interval"` // default: 10s
	PruneInterval   time.Duration `mapstructure:"prune_interval"`   // default: 1h
}

// IngestConfig holds the in-memory sample log settings
type IngestConfig struct {
	ReorderWindow   time.Duration `mapstructure:"reorder_window"`   // default: 5s
	MemoryRetention time.Duration `mapstructure:"memory_retention"` // default: 744h (31 days)
	Capacity        int           `mapstructure:"capacity"`         // 0 = unbounded
}

// MetricsConfig holds windowing and cache settings
type MetricsConfig struct {
	Ranges       []string `mapstructure:"ranges"`
	DefaultRange string   `mapstructure:"default_range"`
	Alignment    string   `mapstructure:"alignment"`
	FirstWeekday string   `mapstructure:"first_weekday"`
	Timezone     string   `mapstructure:"timezone"`

	AutoUpdateInterval time.Duration `mapstructure:"auto_update_interval"`
	Debounce           time.Duration `mapstructure:"debounce"`

	// BucketWidths and MinimumSpans override the built-in values per range
	// name, e.g. bucket_widths: {hour: 30s}.
	BucketWidths map[string]time.Duration `mapstructure:"bucket_widths"`
	MinimumSpans map[string]time.Duration `mapstructure:"minimum_spans"`
}

// CalibrationConfig holds device calibration values
type CalibrationConfig struct {
	AccelCountsPerG float64 `mapstructure:"accel_counts_per_g"`
	RestBaselineG   float64 `mapstructure:"rest_baseline_g"`
	RestToleranceG  float64 `mapstructure:"rest_tolerance_g"`

	// Stability overrides the trend stability band per kind name.
	Stability map[string]float64 `mapstructure:"stability"`
}

// LoadConfig loads configuration from config.yaml in $HOME/.config/oralytics
// or the working directory, plus ORALYTICS_* environment variables. A
// missing file yields the defaults.
func LoadConfig() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.config/oralytics")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

// LoadConfigFromPath loads configuration from an explicit file.
func LoadConfigFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvPrefix("ORALYTICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	applyDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	cfg.LogFile = expandHome(cfg.LogFile)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	applyDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// The defaults always validate.
		panic(err)
	}
	return cfg
}

// ValidateConfig validates the configuration values
func ValidateConfig(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	if err := validateRange("storage.retention", cfg.Storage.Retention, time.Hour, 0); err != nil {
		return err
	}
	if err := validateRange("storage.persist_interval", cfg.Storage.PersistInterval, 100*time.Millisecond, 10*time.Minute); err != nil {
		return err
	}
	if err := validateRange("storage.prune_interval", cfg.Storage.PruneInterval, time.Minute, 0); err != nil {
		return err
	}

	if err := validateRange("ingest.reorder_window", cfg.Ingest.ReorderWindow, 0, time.Hour); err != nil {
		return err
	}
	if err := validateRange("ingest.memory_retention", cfg.Ingest.MemoryRetention, time.Minute, 0); err != nil {
		return err
	}
	if cfg.Ingest.Capacity < 0 {
		return fmt.Errorf("ingest.capacity must be >= 0, got %d", cfg.Ingest.Capacity)
	}

	if err := validateRange("metrics.auto_update_interval", cfg.Metrics.AutoUpdateInterval, time.Second, time.Hour); err != nil {
		return err
	}
	if err := validateRange("metrics.debounce", cfg.Metrics.Debounce, 0, 10*time.Second); err != nil {
		return err
	}
	if _, err := cfg.Catalog(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if _, err := cfg.DefaultRange(); err != nil {
		return fmt.Errorf("metrics.default_range: %w", err)
	}

	if cfg.Calibration.AccelCountsPerG <= 0 {
		return fmt.Errorf("calibration.accel_counts_per_g must be > 0, got %v", cfg.Calibration.AccelCountsPerG)
	}
	if cfg.Calibration.RestToleranceG < 0 {
		return fmt.Errorf("calibration.rest_tolerance_g must be >= 0, got %v", cfg.Calibration.RestToleranceG)
	}
	if _, err := cfg.Thresholds(); err != nil {
		return fmt.Errorf("calibration.stability: %w", err)
	}
	return nil
}

// validateRange checks min <= value and, when max > 0, value <= max.
func validateRange(field string, value, min, max time.Duration) error {
	if value < min || (max > 0 && value > max) {
		if max > 0 {
			return fmt.Errorf("%s must be between %v and %v, got %v", field, min, max, value)
		}
		return fmt.Errorf("%s must be >= %v, got %v", field, min, value)
	}
	return nil
}

// applyDefaults sets default configuration values
func applyDefaults(v *viper.Viper) {
	v.SetDefault("log_file", "")
	v.SetDefault("debug", false)

	v.SetDefault("storage.path", filepath.Join("~", ".config", "oralytics", "oralytics.db"))
	v.SetDefault("storage.retention", "2160h")
	v.SetDefault("storage.persist_interval", "10s")
	v.SetDefault("storage.prune_interval", "1h")

	v.SetDefault("ingest.reorder_window", "5s")
	v.SetDefault("ingest.memory_retention", "744h")
	v.SetDefault("ingest.capacity", 0)

	v.SetDefault("metrics.ranges", []string{"minute", "hour", "day", "week", "month"})
	v.SetDefault("metrics.default_range", "hour")
	v.SetDefault("metrics.alignment", "rolling")
	v.SetDefault("metrics.first_weekday", "monday")
	v.SetDefault("metrics.timezone", "Local")
	v.SetDefault("metrics.auto_update_interval", "30s")
	v.SetDefault("metrics.debounce", "250ms")

	v.SetDefault("calibration.accel_counts_per_g", 16384.0)
	v.SetDefault("calibration.rest_baseline_g", 1.0)
	v.SetDefault("calibration.rest_tolerance_g", 0.1)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
