package devicelink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/samplelog"
	"github.com/oralable/oralytics/internal/sensor"
)

func init() {
	logger.InitWriter(discard{}, logger.LevelError)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

var t0 = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	samples []sensor.Sample
	errFor  func(sensor.Sample) error
}

func (r *recordingSink) Append(s sensor.Sample) error {
	if r.errFor != nil {
		if err := r.errFor(s); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
	return nil
}

func TestPump_CountsOutcomes(t *testing.T) {
	sink := &recordingSink{errFor: func(s sensor.Sample) error {
		switch s.Value {
		case 1:
			return samplelog.ErrTooOld
		case 2:
			return sensor.ErrNonFinite
		}
		return nil
	}}

	in := make(chan sensor.Sample, 4)
	in <- sensor.NewSample(t0, sensor.KindHeartRate, 70)
	in <- sensor.NewSample(t0, sensor.KindSpO2, 1)
	in <- sensor.NewSample(t0, sensor.KindBattery, 2)
	in <- sensor.NewSample(t0, sensor.KindTemperature, 36.5)
	close(in)

	st, err := Pump(context.Background(), in, sink)
	require.NoError(t, err)
	assert.Equal(t, PumpStats{Received: 4, Accepted: 2, TooOld: 1, Rejected: 1}, st)
	assert.Len(t, sink.samples, 2)
}

func TestPump_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan sensor.Sample)

	done := make(chan error, 1)
	go func() {
		_, err := Pump(ctx, in, &recordingSink{})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after cancel")
	}
}

const replayFile = `# recorded session
{"ts":"2025-07-01T12:00:00Z","kind":"heart_rate","value":70}
{"ts":"2025-07-01T12:00:01Z","kind":"heart_rate","value":71}

not a record
{"ts":"2025-07-01T12:00:02Z","kind":"accelerometer","accel":{"x":0,"y":0,"z":16384}}
{"ts":"2025-07-01T12:00:03Z","kind":"clenching"}
`

func TestReplay_StreamsIntoLog(t *testing.T) {
	l := samplelog.New()
	src := NewReplaySource(strings.NewReader(replayFile))

	st, err := Stream(context.Background(), src, l, 0)
	require.NoError(t, err)

	assert.EqualValues(t, 4, st.Accepted)
	assert.Equal(t, 1, src.Skipped())
	require.Equal(t, 4, l.Len())

	snap := l.Snapshot()
	assert.Equal(t, sensor.KindAccelerometer, snap[2].Kind)
	assert.InDelta(t, 16384, snap[2].Value, 1e-9)
	assert.True(t, snap[3].IsFlagged())
}

func TestReplay_RebaseAndPace(t *testing.T) {
	rebase := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src := NewReplaySource(strings.NewReader(replayFile), WithRebase(rebase), WithSpeed(2))

	var slept []time.Duration
	src.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	out := make(chan sensor.Sample, 8)
	require.NoError(t, src.Run(context.Background(), out))
	close(out)

	var got []time.Time
	for s := range out {
		got = append(got, s.Timestamp)
	}
	require.Len(t, got, 4)
	assert.Equal(t, rebase, got[0])
	assert.Equal(t, rebase.Add(3*time.Second), got[3])
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}, slept)
}

func TestReadAll_StrictLineErrors(t *testing.T) {
	_, err := ReadAll(strings.NewReader(replayFile))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 5")

	samples, err := ReadAll(strings.NewReader(`{"ts":"2025-07-01T12:00:00Z","kind":"spo2","value":98}`))
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

type failingSource struct{}

func (failingSource) Run(context.Context, chan<- sensor.Sample) error {
	return errors.New("device disconnected")
}

func TestStream_SourceError(t *testing.T) {
	_, err := Stream(context.Background(), failingSource{}, &recordingSink{}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device disconnected")
}

func TestSimulator_BackfillIsDeterministic(t *testing.T) {
	run := func() []sensor.Sample {
		sim := NewSimulator(WithSeed(7), WithBackfill(t0), WithInterval(time.Second), WithLimit(120))
		out := make(chan sensor.Sample, 1024)
		require.NoError(t, sim.Run(context.Background(), out))
		close(out)
		var all []sensor.Sample
		for s := range out {
			all = append(all, s)
		}
		return all
	}

	a, b := run(), run()
	require.Equal(t, a, b)

	counts := map[sensor.Kind]int{}
	for _, s := range a {
		require.NoError(t, s.Validate())
		counts[s.Kind]++
		assert.False(t, s.Timestamp.Before(t0))
		assert.True(t, s.Timestamp.Before(t0.Add(120*time.Second)))
	}
	assert.Equal(t, 120, counts[sensor.KindHeartRate])
	assert.Equal(t, 120, counts[sensor.KindSpO2])
	assert.Equal(t, 120, counts[sensor.KindAccelerometer])
	assert.Equal(t, 12, counts[sensor.KindTemperature])
	assert.Equal(t, 2, counts[sensor.KindBattery])
}

func TestSimulator_LiveTicks(t *testing.T) {
	sim := NewSimulator(WithSeed(1), WithInterval(5*time.Millisecond), WithLimit(3))
	l := samplelog.New()

	st, err := Stream(context.Background(), sim, l, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Accepted, int64(9))
	assert.True(t, l.HasData())
}
