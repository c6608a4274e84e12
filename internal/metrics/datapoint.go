package metrics

import (
	"time"

	"github.com/oralable/oralytics/internal/sensor"
)

// DataPoint is the summary of one bucket. Optional fields are nil when no
// sample of that kind fell in the bucket; they are never zero-filled.
type DataPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	End         time.Time `json:"end"`
	SampleCount int       `json:"sample_count"`

	HeartRate   *float64 `json:"heart_rate,omitempty"`
	SpO2        *float64 `json:"spo2,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Battery     *float64 `json:"battery,omitempty"`
	PPGRed      *float64 `json:"ppg_red,omitempty"`
	PPGIR       *float64 `json:"ppg_ir,omitempty"`
	PPGGreen    *float64 `json:"ppg_green,omitempty"`

	// Movement is the mean accelerometer magnitude in raw device units.
	Movement *float64 `json:"movement,omitempty"`
	// MovementG is Movement expressed in g.
	MovementG *float64 `json:"movement_g,omitempty"`
	// AtRest is set when MovementG lies within the rest tolerance of the
	// baseline.
	AtRest *bool `json:"at_rest,omitempty"`

	GrindingEvents  int `json:"grinding_events"`
	ClenchingEvents int `json:"clenching_events"`

	// Quality is the mean quality score of samples that reported one.
	Quality *float64 `json:"quality,omitempty"`

	// KindCounts is the number of samples per kind in the bucket.
	KindCounts map[sensor.Kind]int `json:"kind_counts,omitempty"`
}

// IsEmpty returns true if no sample fell in the bucket.
func (dp DataPoint) IsEmpty() bool {
	return dp.SampleCount == 0
}

// Value returns the bucket value for kind. Event kinds report their count;
// the accelerometer reports MovementG.
func (dp DataPoint) Value(kind sensor.Kind) (float64, bool) {
	switch kind {
	case sensor.KindHeartRate:
		return deref(dp.HeartRate)
	case sensor.KindSpO2:
		return deref(dp.SpO2)
	case sensor.KindTemperature:
		return deref(dp.Temperature)
	case sensor.KindBattery:
		return deref(dp.Battery)
	case sensor.KindPPGRed:
		return deref(dp.PPGRed)
	case sensor.KindPPGIR:
		return deref(dp.PPGIR)
	case sensor.KindPPGGreen:
		return deref(dp.PPGGreen)
	case sensor.KindAccelerometer:
		return deref(dp.MovementG)
	case sensor.KindGrinding:
		return float64(dp.GrindingEvents), dp.KindCounts[kind] > 0
	case sensor.KindClenching:
		return float64(dp.ClenchingEvents), dp.KindCounts[kind] > 0
	default:
		return 0, false
	}
}

// Count returns the number of samples of kind in the bucket.
func (dp DataPoint) Count(kind sensor.Kind) int {
	return dp.KindCounts[kind]
}

func deref(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func ptr[T any](v T) *T {
	return &v
}
