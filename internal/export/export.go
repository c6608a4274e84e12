// Package export writes aggregate windows and raw samples to CSV or JSON,
// optionally compressed.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/sensor"
)

// Format is the export file format.
type Format int

const (
	FormatCSV Format = iota
	FormatJSON
)

// ParseFormat accepts "csv" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "json", "jsonl":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unknown format %q (want csv or json)", s)
	}
}

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "csv"
}

// Result describes a written export file.
type Result struct {
	Path        string
	Rows        int
	Bytes       int64
	Format      Format
	Compression Compression
}

var windowHeader = []string{
	"timestamp", "end", "sample_count",
	"heart_rate", "spo2", "temperature", "battery",
	"ppg_red", "ppg_ir", "ppg_green",
	"movement", "movement_g", "at_rest",
	"grinding_events", "clenching_events", "quality",
}

// WriteWindow writes one row per data point of win, empty buckets
// included. JSON output is the whole window object. Returns the number of
// data points written.
func WriteWindow(w io.Writer, win *metrics.AggregateWindow, f Format) (int, error) {
	if win == nil {
		return 0, fmt.Errorf("no window to export")
	}

	if f == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(win); err != nil {
			return 0, fmt.Errorf("failed to encode window: %w", err)
		}
		return len(win.DataPoints), nil
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(windowHeader); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	for _, dp := range win.DataPoints {
		record := []string{
			formatTime(dp.Timestamp), formatTime(dp.End), strconv.Itoa(dp.SampleCount),
			optFloat(dp.HeartRate), optFloat(dp.SpO2), optFloat(dp.Temperature), optFloat(dp.Battery),
			optFloat(dp.PPGRed), optFloat(dp.PPGIR), optFloat(dp.PPGGreen),
			optFloat(dp.Movement), optFloat(dp.MovementG), optBool(dp.AtRest),
			strconv.Itoa(dp.GrindingEvents), strconv.Itoa(dp.ClenchingEvents), optFloat(dp.Quality),
		}
		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("csv write error: %w", err)
	}
	return len(win.DataPoints), nil
}

var sampleHeader = []string{"timestamp", "kind", "value", "accel_x", "accel_y", "accel_z", "quality"}

// WriteSamples writes raw samples. JSON output is one sensor.Record per line
// so the file can be imported again.
func WriteSamples(w io.Writer, samples []sensor.Sample, f Format) (int, error) {
	if f == FormatJSON {
		enc := json.NewEncoder(w)
		for _, s := range samples {
			if err := enc.Encode(sensor.RecordOf(s)); err != nil {
				return 0, fmt.Errorf("failed to encode sample: %w", err)
			}
		}
		return len(samples), nil
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(sampleHeader); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}
	for _, s := range samples {
		record := []string{formatTime(s.Timestamp), s.Kind.String(), formatFloat(s.Value), "", "", "", optFloat(s.Quality)}
		if s.Kind == sensor.KindAccelerometer {
			record[3] = formatFloat(s.Accel.X)
			record[4] = formatFloat(s.Accel.Y)
			record[5] = formatFloat(s.Accel.Z)
		}
		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("csv write error: %w", err)
	}
	return len(samples), nil
}

// Window exports win to path. The format and codec suffixes are appended
// when missing.
func Window(path string, win *metrics.AggregateWindow, f Format, c Compression) (*Result, error) {
	ext := ".csv"
	if f == FormatJSON {
		ext = ".json"
	}
	return writeFile(path, ext, f, c, func(w io.Writer) (int, error) {
		return WriteWindow(w, win, f)
	})
}

// Samples exports raw samples to path. JSON exports use the .jsonl suffix.
func Samples(path string, samples []sensor.Sample, f Format, c Compression) (*Result, error) {
	ext := ".csv"
	if f == FormatJSON {
		ext = ".jsonl"
	}
	return writeFile(path, ext, f, c, func(w io.Writer) (int, error) {
		return WriteSamples(w, samples, f)
	})
}

func writeFile(path, ext string, f Format, c Compression, write func(io.Writer) (int, error)) (*Result, error) {
	absPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	absPath = strings.TrimSuffix(absPath, c.Ext())
	if !strings.HasSuffix(strings.ToLower(absPath), ext) {
		absPath += ext
	}
	absPath += c.Ext()

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", absPath, err)
	}
	defer file.Close()

	counter := &countingWriter{w: file}
	cw, err := NewWriter(counter, c)
	if err != nil {
		return nil, err
	}

	rows, err := write(cw)
	if err != nil {
		cw.Close()
		return nil, err
	}
	if err := cw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close compression writer: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync %s: %w", absPath, err)
	}

	return &Result{
		Path:        absPath,
		Rows:        rows,
		Bytes:       counter.count,
		Format:      f,
		Compression: c,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optFloat(p *float64) string {
	if p == nil {
		return ""
	}
	return formatFloat(*p)
}

func optBool(p *bool) string {
	if p == nil {
		return ""
	}
	return strconv.FormatBool(*p)
}

// expandPath expands ~ to the home directory and returns an absolute path.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	return absPath, nil
}
