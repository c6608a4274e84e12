// Package trend estimates a coarse direction for an ordered value series.
//
// The estimate compares the mean of the first third of the series with the
// mean of the last third. It is not a regression: it costs one pass over the
// series and is meant for directional arrows, not for slope values.
package trend

import (
	"fmt"
	"math"

	"github.com/oralable/oralytics/internal/sensor"
)

// Direction classifies a signed trend value.
type Direction int

const (
	Stable Direction = iota
	Increasing
	Decreasing
)

// String returns a display label.
func (d Direction) String() string {
	switch d {
	case Increasing:
		return "increasing"
	case Decreasing:
		return "decreasing"
	default:
		return "stable"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stable":
		*d = Stable
	case "increasing":
		*d = Increasing
	case "decreasing":
		*d = Decreasing
	default:
		return fmt.Errorf("unknown trend direction %q", b)
	}
	return nil
}

// Delta returns mean(last third) - mean(first third) of values.
// Each third holds at least one value. Fewer than two values yield ok=false.
func Delta(values []float64) (delta float64, ok bool) {
	n := len(values)
	if n < 2 {
		return 0, false
	}
	third := n / 3
	if third < 1 {
		third = 1
	}
	first := mean(values[:third])
	last := mean(values[n-third:])
	return last - first, true
}

// Classify maps a delta to a direction. Deltas within [-threshold, threshold]
// are stable whatever their sign.
func Classify(delta, threshold float64) Direction {
	threshold = math.Abs(threshold)
	switch {
	case math.Abs(delta) <= threshold:
		return Stable
	case delta > 0:
		return Increasing
	default:
		return Decreasing
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Result is a trend estimate for one metric in one window.
type Result struct {
	Delta     float64   `json:"delta"`
	Direction Direction `json:"direction"`
	Threshold float64   `json:"threshold"`
	Points    int       `json:"points"`
}

// Thresholds holds the per-kind stability bands.
//
// These are calibration values picked for the current device firmware, not
// physical constants. Override them through configuration.
type Thresholds map[sensor.Kind]float64

const (
	// DefaultTemperatureStability is a tenth of a degree Celsius.
	DefaultTemperatureStability = 0.1
	// DefaultBatteryStability is one percentage point.
	DefaultBatteryStability = 1.0
	// DefaultActivityStability is 0.1 g of mean movement magnitude.
	DefaultActivityStability = 0.1
	DefaultHeartRateStability = 2.0
	DefaultSpO2Stability      = 1.0
	DefaultPPGStability       = 500.0
	DefaultEventStability     = 1.0
	// DefaultFallbackStability applies to kinds with no configured band.
	DefaultFallbackStability = 0.1
)

// DefaultThresholds returns the built-in stability bands.
func DefaultThresholds() Thresholds {
	return Thresholds{
		sensor.KindHeartRate:     DefaultHeartRateStability,
		sensor.KindSpO2:          DefaultSpO2Stability,
		sensor.KindTemperature:   DefaultTemperatureStability,
		sensor.KindBattery:       DefaultBatteryStability,
		sensor.KindAccelerometer: DefaultActivityStability,
		sensor.KindPPGRed:        DefaultPPGStability,
		sensor.KindPPGIR:         DefaultPPGStability,
		sensor.KindPPGGreen:      DefaultPPGStability,
		sensor.KindGrinding:      DefaultEventStability,
		sensor.KindClenching:     DefaultEventStability,
	}
}

// Estimator applies per-kind thresholds to Delta.
type Estimator struct {
	thresholds Thresholds
}

// NewEstimator creates an Estimator. Entries in overrides replace defaults.
func NewEstimator(overrides Thresholds) *Estimator {
	th := DefaultThresholds()
	for k, v := range overrides {
		th[k] = v
	}
	return &Estimator{thresholds: th}
}

// Threshold returns the stability band for kind.
func (e *Estimator) Threshold(kind sensor.Kind) float64 {
	if v, ok := e.thresholds[kind]; ok {
		return v
	}
	return DefaultFallbackStability
}

// Estimate computes the trend of values for kind.
// Returns false when fewer than two values are available.
func (e *Estimator) Estimate(kind sensor.Kind, values []float64) (Result, bool) {
	delta, ok := Delta(values)
	if !ok {
		return Result{}, false
	}
	th := e.Threshold(kind)
	return Result{
		Delta:     delta,
		Direction: Classify(delta, th),
		Threshold: th,
		Points:    len(values),
	}, true
}
