package metrics

import (
	"math"
	"time"

	"github.com/oralable/oralytics/internal/sensor"
	"github.com/oralable/oralytics/internal/trend"
)

// Calibration holds the accelerometer constants used to derive movement.
// They depend on the sensor's configured range and are not physical
// constants; override them per device through configuration.
type Calibration struct {
	// AccelCountsPerG converts raw accelerometer units to g.
	AccelCountsPerG float64
	// RestBaselineG is the magnitude measured when the wearer is still.
	RestBaselineG float64
	// RestToleranceG is the band around RestBaselineG treated as at rest.
	RestToleranceG float64
}

const (
	DefaultAccelCountsPerG = 16384.0
	DefaultRestBaselineG   = 1.0
	DefaultRestToleranceG  = 0.1
)

// DefaultCalibration returns the calibration for a ±2g accelerometer.
func DefaultCalibration() Calibration {
	return Calibration{
		AccelCountsPerG: DefaultAccelCountsPerG,
		RestBaselineG:   DefaultRestBaselineG,
		RestToleranceG:  DefaultRestToleranceG,
	}
}

// ToG converts a raw magnitude to g.
func (c Calibration) ToG(raw float64) float64 {
	if c.AccelCountsPerG <= 0 {
		return raw
	}
	return raw / c.AccelCountsPerG
}

// IsAtRest classifies a magnitude in g.
func (c Calibration) IsAtRest(g float64) bool {
	return math.Abs(g-c.RestBaselineG) <= c.RestToleranceG
}

// MetricStats summarises every raw value of one kind in a window.
type MetricStats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// AggregateWindow is the rollup of one TimeRange at one offset. It is
// replaced wholesale on recompute and never mutated after it is built.
type AggregateWindow struct {
	TimeRange        TimeRange     `json:"time_range"`
	Offset           int           `json:"offset"`
	StartDate        time.Time     `json:"start_date"`
	EndDate          time.Time     `json:"end_date"`
	BucketWidth      time.Duration `json:"bucket_width"`
	TotalSampleCount int           `json:"total_sample_count"`
	DataPoints       []DataPoint   `json:"data_points"`

	// Averages holds the sample-count-weighted mean of bucket averages.
	Averages    map[sensor.Kind]float64      `json:"averages"`
	Stats       map[sensor.Kind]MetricStats  `json:"stats"`
	Trends      map[sensor.Kind]trend.Result `json:"trends"`
	EventCounts map[sensor.Kind]int          `json:"event_counts"`
}

// Period returns the interval the window covers.
func (w *AggregateWindow) Period() Period {
	return Period{
		Range:       w.TimeRange,
		Offset:      w.Offset,
		Start:       w.StartDate,
		End:         w.EndDate,
		BucketWidth: w.BucketWidth,
	}
}

// Average returns the window average for kind.
func (w *AggregateWindow) Average(kind sensor.Kind) (float64, bool) {
	v, ok := w.Averages[kind]
	return v, ok
}

// Trend returns the trend for kind.
func (w *AggregateWindow) Trend(kind sensor.Kind) (trend.Result, bool) {
	r, ok := w.Trends[kind]
	return r, ok
}

// PopulatedPoints returns the data points that received at least one sample.
func (w *AggregateWindow) PopulatedPoints() []DataPoint {
	var out []DataPoint
	for _, dp := range w.DataPoints {
		if !dp.IsEmpty() {
			out = append(out, dp)
		}
	}
	return out
}

// Series returns the bucket values of kind, in order, skipping buckets
// where the kind is absent.
func (w *AggregateWindow) Series(kind sensor.Kind) []float64 {
	var out []float64
	for _, dp := range w.DataPoints {
		if v, ok := dp.Value(kind); ok {
			out = append(out, v)
		}
	}
	return out
}

// Aggregator computes AggregateWindows from bucketed samples.
// It holds no mutable state; the same input always yields the same output.
type Aggregator struct {
	calibration Calibration
	estimator   *trend.Estimator
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithCalibration sets the accelerometer calibration.
func WithCalibration(c Calibration) AggregatorOption {
	return func(a *Aggregator) {
		a.calibration = c
	}
}

// WithEstimator sets the trend estimator.
func WithEstimator(e *trend.Estimator) AggregatorOption {
	return func(a *Aggregator) {
		a.estimator = e
	}
}

// NewAggregator creates an Aggregator.
func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		calibration: DefaultCalibration(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.estimator == nil {
		a.estimator = trend.NewEstimator(nil)
	}
	return a
}

// Calibration returns the calibration in use.
func (a *Aggregator) Calibration() Calibration {
	return a.calibration
}

// Compute buckets samples over p and aggregates them.
func (a *Aggregator) Compute(p Period, samples []sensor.Sample) *AggregateWindow {
	return a.Aggregate(p, Bucketize(samples, p.Start, p.End, p.BucketWidth))
}

type accumulator struct {
	sum      float64
	n        int
	min, max float64
}

func (acc *accumulator) add(v float64) {
	if acc.n == 0 || v < acc.min {
		acc.min = v
	}
	if acc.n == 0 || v > acc.max {
		acc.max = v
	}
	acc.sum += v
	acc.n++
}

func (acc *accumulator) mean() float64 {
	return acc.sum / float64(acc.n)
}

// Aggregate summarises buckets into a window for p. A window with no samples
// has TotalSampleCount 0 and no data points; it is not an error.
func (a *Aggregator) Aggregate(p Period, buckets []Bucket) *AggregateWindow {
	w := &AggregateWindow{
		TimeRange:   p.Range,
		Offset:      p.Offset,
		StartDate:   p.Start,
		EndDate:     p.End,
		BucketWidth: p.BucketWidth,
		Averages:    make(map[sensor.Kind]float64),
		Stats:       make(map[sensor.Kind]MetricStats),
		Trends:      make(map[sensor.Kind]trend.Result),
		EventCounts: make(map[sensor.Kind]int),
	}

	kinds := sensor.AllKinds()
	window := make([]accumulator, len(kinds))
	// weighted[k] accumulates bucketAverage * bucketCount per kind.
	weighted := make([]accumulator, len(kinds))

	points := make([]DataPoint, 0, len(buckets))
	for _, b := range buckets {
		dp, accs := a.summarize(b)
		points = append(points, dp)
		w.TotalSampleCount += dp.SampleCount

		for k, acc := range accs {
			if acc.n == 0 {
				continue
			}
			kind := sensor.Kind(k)
			if kind.IsEvent() {
				w.EventCounts[kind] += int(acc.sum)
				continue
			}
			window[k].min, window[k].max = mergeExtremes(window[k], acc)
			window[k].n += acc.n
			weighted[k].sum += acc.mean() * float64(acc.n)
			weighted[k].n += acc.n
		}
	}

	if w.TotalSampleCount == 0 {
		return w
	}
	w.DataPoints = points

	for k := range kinds {
		kind := sensor.Kind(k)
		if kind.IsEvent() || weighted[k].n == 0 {
			continue
		}
		avg := weighted[k].mean()
		w.Averages[kind] = avg
		w.Stats[kind] = MetricStats{
			Count: window[k].n,
			Mean:  avg,
			Min:   window[k].min,
			Max:   window[k].max,
		}
	}

	for _, kind := range kinds {
		var series []float64
		if kind.IsEvent() {
			if !w.sawKind(kind) {
				continue
			}
			for _, dp := range points {
				if !dp.IsEmpty() {
					v, _ := dp.Value(kind)
					series = append(series, v)
				}
			}
		} else {
			series = w.Series(kind)
		}
		if r, ok := a.estimator.Estimate(kind, series); ok {
			w.Trends[kind] = r
		}
	}

	return w
}

func (w *AggregateWindow) sawKind(kind sensor.Kind) bool {
	for _, dp := range w.DataPoints {
		if dp.KindCounts[kind] > 0 {
			return true
		}
	}
	return false
}

func mergeExtremes(into, from accumulator) (float64, float64) {
	if into.n == 0 {
		return from.min, from.max
	}
	return math.Min(into.min, from.min), math.Max(into.max, from.max)
}

// summarize builds the DataPoint for one bucket and returns the per-kind
// accumulators it was built from. Event accumulators sum flags.
func (a *Aggregator) summarize(b Bucket) (DataPoint, []accumulator) {
	accs := make([]accumulator, len(sensor.AllKinds()))
	var quality accumulator
	valid := 0

	for _, s := range b.Samples {
		if !s.Kind.Valid() {
			continue
		}
		valid++
		v := s.Value
		switch {
		case s.Kind.IsEvent():
			v = 0
			if s.IsFlagged() {
				v = 1
			}
		case s.Kind == sensor.KindAccelerometer:
			v = a.calibration.ToG(s.Value)
		}
		accs[s.Kind].add(v)
		if s.Quality != nil {
			quality.add(*s.Quality)
		}
	}

	dp := DataPoint{
		Timestamp:   b.Start,
		End:         b.End,
		SampleCount: valid,
	}
	if dp.SampleCount == 0 {
		return dp, accs
	}

	dp.KindCounts = make(map[sensor.Kind]int)
	for k, acc := range accs {
		if acc.n == 0 {
			continue
		}
		kind := sensor.Kind(k)
		dp.KindCounts[kind] = acc.n
		mean := acc.mean()

		switch kind {
		case sensor.KindHeartRate:
			dp.HeartRate = ptr(mean)
		case sensor.KindSpO2:
			dp.SpO2 = ptr(mean)
		case sensor.KindTemperature:
			dp.Temperature = ptr(mean)
		case sensor.KindBattery:
			dp.Battery = ptr(mean)
		case sensor.KindPPGRed:
			dp.PPGRed = ptr(mean)
		case sensor.KindPPGIR:
			dp.PPGIR = ptr(mean)
		case sensor.KindPPGGreen:
			dp.PPGGreen = ptr(mean)
		case sensor.KindAccelerometer:
			dp.MovementG = ptr(mean)
			dp.Movement = ptr(mean * a.rawScale())
			dp.AtRest = ptr(a.calibration.IsAtRest(mean))
		case sensor.KindGrinding:
			dp.GrindingEvents = int(acc.sum)
		case sensor.KindClenching:
			dp.ClenchingEvents = int(acc.sum)
		}
	}
	if quality.n > 0 {
		dp.Quality = ptr(quality.mean())
	}
	return dp, accs
}

func (a *Aggregator) rawScale() float64 {
	if a.calibration.AccelCountsPerG <= 0 {
		return 1
	}
	return a.calibration.AccelCountsPerG
}
