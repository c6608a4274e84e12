package devicelink

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/oralable/oralytics/internal/sensor"
)

// Simulator defaults.
const (
	DefaultSimInterval = time.Second
	countsPerG         = 16384
)

// Simulator emits synthetic device streams: heart rate and SpO2 with a
// quality score plus an accelerometer reading every tick, temperature every
// 10 ticks, battery every 60 ticks and occasional grinding events.
type Simulator struct {
	interval time.Duration
	rng      *rand.Rand
	now      func() time.Time
	start    time.Time
	limit    int
	battery  float64
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) SimOption {
	return func(s *Simulator) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSeed makes the generated values reproducible.
func WithSeed(seed uint64) SimOption {
	return func(s *Simulator) {
		s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithSimClock sets the clock used to stamp live samples.
func WithSimClock(now func() time.Time) SimOption {
	return func(s *Simulator) {
		s.now = now
	}
}

// WithBackfill switches the simulator to a virtual timeline starting at
// start: ticks are stamped start, start+interval, ... and emitted without
// waiting. Combine with WithLimit.
func WithBackfill(start time.Time) SimOption {
	return func(s *Simulator) {
		s.start = start
	}
}

// WithLimit stops the simulator after n ticks. Zero runs until cancelled.
func WithLimit(n int) SimOption {
	return func(s *Simulator) {
		s.limit = n
	}
}

// NewSimulator creates a simulator.
func NewSimulator(opts ...SimOption) *Simulator {
	s := &Simulator{
		interval: DefaultSimInterval,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 1)),
		now:      time.Now,
		battery:  100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run implements Source.
func (s *Simulator) Run(ctx context.Context, out chan<- sensor.Sample) error {
	if !s.start.IsZero() {
		for i := 0; s.limit == 0 || i < s.limit; i++ {
			ts := s.start.Add(time.Duration(i) * s.interval)
			if err := s.emit(ctx, out, s.Tick(i, ts)); err != nil {
				return err
			}
		}
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 0; s.limit == 0 || i < s.limit; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.emit(ctx, out, s.Tick(i, s.now())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Simulator) emit(ctx context.Context, out chan<- sensor.Sample, samples []sensor.Sample) error {
	for _, smp := range samples {
		select {
		case out <- smp:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Tick generates the samples for tick i stamped at ts.
func (s *Simulator) Tick(i int, ts time.Time) []sensor.Sample {
	phase := 2 * math.Pi * float64(i) / 600
	quality := 0.8 + 0.2*s.rng.Float64()

	samples := []sensor.Sample{
		sensor.NewSample(ts, sensor.KindHeartRate, clamp(68+6*math.Sin(phase)+s.noise(3), 40, 180)).WithQuality(quality),
		sensor.NewSample(ts, sensor.KindSpO2, clamp(97.5+s.noise(1), 90, 100)).WithQuality(quality),
		sensor.NewAccelSample(ts, s.accel()),
	}

	if i%10 == 0 {
		samples = append(samples, sensor.NewSample(ts, sensor.KindTemperature, 36.6+0.2*math.Sin(phase)+s.noise(0.05)))
	}
	if i%60 == 0 {
		samples = append(samples, sensor.NewSample(ts, sensor.KindBattery, s.battery))
		s.battery = math.Max(0, s.battery-0.1)
	}
	if s.rng.Float64() < 0.01 {
		samples = append(samples, sensor.NewEvent(ts, sensor.KindGrinding))
	}
	return samples
}

func (s *Simulator) accel() sensor.Vector3 {
	spread := 200.0
	if s.rng.Float64() < 0.05 {
		spread = 6000
	}
	return sensor.Vector3{
		X: s.noise(spread),
		Y: s.noise(spread),
		Z: countsPerG + s.noise(spread*1.5),
	}
}

// noise returns a uniform value in [-amp, amp].
func (s *Simulator) noise(amp float64) float64 {
	return (s.rng.Float64()*2 - 1) * amp
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
