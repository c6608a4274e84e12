package rollup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/samplelog"
	"github.com/oralable/oralytics/internal/sensor"
	"github.com/oralable/oralytics/internal/sufficiency"
)

func init() {
	logger.InitWriter(discard{}, logger.LevelWarn)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// now sits 30s into a minute so the rolling hour window is 11:01-12:01.
var now = time.Date(2025, 7, 1, 12, 0, 30, 0, time.UTC)

func clock() time.Time { return now }

// fakeSource serves samples from memory. When gate is set, Query blocks
// until it is closed.
type fakeSource struct {
	mu      sync.Mutex
	samples []sensor.Sample
	gate    chan struct{}
	entered chan struct{}
	calls   atomic.Int32
	noData  bool
}

func newFakeSource(samples ...sensor.Sample) *fakeSource {
	return &fakeSource{samples: samples, entered: make(chan struct{}, 16)}
}

func (f *fakeSource) Query(ctx context.Context, from, to time.Time) ([]sensor.Sample, error) {
	f.calls.Add(1)
	select {
	case f.entered <- struct{}{}:
	default:
	}

	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sensor.Sample
	for _, s := range f.samples {
		if !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSource) HasData() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noData
}

func (f *fakeSource) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeSource) set(samples ...sensor.Sample) {
	f.mu.Lock()
	f.samples = samples
	f.mu.Unlock()
}

func waitEntered(t *testing.T, f *fakeSource) {
	t.Helper()
	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("query was never issued")
	}
}

func newTestManager(t *testing.T, src Source, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(clock)}, opts...)
	m := NewManager(src, opts...)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop() })
	return m
}

func hrAt(ts time.Time, v float64) sensor.Sample {
	return sensor.NewSample(ts, sensor.KindHeartRate, v)
}

func TestUpdateMetrics_CoalescesConcurrentCalls(t *testing.T) {
	src := newFakeSource(hrAt(now.Add(-time.Hour), 70))
	gate := src.block()
	m := newTestManager(t, src)

	var wg sync.WaitGroup
	results := make([]*Snapshot, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := m.UpdateMetrics(context.Background(), metrics.RangeDay, 0)
			assert.NoError(t, err)
			results[i] = snap
		}(i)
		if i == 0 {
			waitEntered(t, src)
			assert.Equal(t, StateComputing, m.State(metrics.RangeDay, 0))
		}
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.EqualValues(t, 1, src.calls.Load(), "exactly one aggregation pass")
	require.NotNil(t, results[0])
	assert.Same(t, results[0], results[1])
	assert.Equal(t, 1, results[0].Window.TotalSampleCount)
	assert.Equal(t, StateFresh, m.State(metrics.RangeDay, 0))
}

func TestGet_ServesFreshCache(t *testing.T) {
	src := newFakeSource(hrAt(now.Add(-10*time.Minute), 70))
	m := newTestManager(t, src)
	ctx := context.Background()

	first, err := m.Get(ctx, metrics.RangeHour, 0)
	require.NoError(t, err)
	second, err := m.Get(ctx, metrics.RangeHour, 0)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, src.calls.Load())

	third, err := m.UpdateMetrics(ctx, metrics.RangeHour, 0)
	require.NoError(t, err)
	assert.Greater(t, third.Version, first.Version)
}

func TestHandleSample_Staleness(t *testing.T) {
	log := samplelog.New(samplelog.WithReorderWindow(48 * time.Hour))
	require.NoError(t, log.Append(hrAt(now.Add(-30*time.Minute), 70)))

	m := newTestManager(t, log)
	cancel := log.OnAppend(m.HandleSample)
	defer cancel()

	ctx := context.Background()
	_, err := m.UpdateMetrics(ctx, metrics.RangeHour, 0)
	require.NoError(t, err)
	_, err = m.UpdateMetrics(ctx, metrics.RangeHour, -1)
	require.NoError(t, err)

	// Outside every cached window.
	require.NoError(t, log.Append(hrAt(now.Add(-3*time.Hour), 60)))
	assert.Equal(t, StateFresh, m.State(metrics.RangeHour, 0))
	assert.Equal(t, StateFresh, m.State(metrics.RangeHour, -1))

	// Inside the current hour only.
	require.NoError(t, log.Append(hrAt(now.Add(-15*time.Minute), 72)))
	assert.Equal(t, StateStale, m.State(metrics.RangeHour, 0))
	assert.Equal(t, StateFresh, m.State(metrics.RangeHour, -1))

	snap, err := m.Get(ctx, metrics.RangeHour, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Window.TotalSampleCount)
	assert.Equal(t, StateFresh, m.State(metrics.RangeHour, 0))
}

func TestHandleSample_DuringComputeTriggersTrailingRecompute(t *testing.T) {
	src := newFakeSource(hrAt(now.Add(-20*time.Minute), 70))
	gate := src.block()
	m := newTestManager(t, src)

	var published atomic.Int32
	_, unsub := m.Subscribe(NewKey(metrics.RangeHour, 0), func(*Snapshot) { published.Add(1) })
	defer unsub()

	done := make(chan *Snapshot, 1)
	go func() {
		snap, _ := m.UpdateMetrics(context.Background(), metrics.RangeHour, 0)
		done <- snap
	}()
	waitEntered(t, src)

	late := hrAt(now.Add(-5*time.Minute), 80)
	src.set(hrAt(now.Add(-20*time.Minute), 70), late)
	m.HandleSample(late)
	close(gate)

	var snap *Snapshot
	select {
	case snap = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update never returned")
	}

	require.NotNil(t, snap)
	assert.EqualValues(t, 2, src.calls.Load(), "one trailing recompute")
	assert.Equal(t, 2, snap.Window.TotalSampleCount)
	assert.Equal(t, StateFresh, m.State(metrics.RangeHour, 0))
	assert.Eventually(t, func() bool { return published.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestClearAllMetrics(t *testing.T) {
	src := newFakeSource(hrAt(now.Add(-time.Minute), 70))
	m := newTestManager(t, src)

	_, err := m.UpdateMetrics(context.Background(), metrics.RangeHour, 0)
	require.NoError(t, err)
	require.Equal(t, StateFresh, m.State(metrics.RangeHour, 0))

	m.ClearAllMetrics()
	assert.Equal(t, StateAbsent, m.State(metrics.RangeHour, 0))
	_, ok := m.Cached(metrics.RangeHour, 0)
	assert.False(t, ok)
}

func TestClearAllMetrics_DiscardsInFlightResult(t *testing.T) {
	src := newFakeSource(hrAt(now.Add(-time.Minute), 70))
	gate := src.block()
	m := newTestManager(t, src)

	var seen []int
	var mu sync.Mutex
	_, unsub := m.Subscribe(NewKey(metrics.RangeHour, 0), func(s *Snapshot) {
		mu.Lock()
		seen = append(seen, s.Window.TotalSampleCount)
		mu.Unlock()
	})
	defer unsub()

	done := make(chan *Snapshot, 1)
	go func() {
		snap, _ := m.UpdateMetrics(context.Background(), metrics.RangeHour, 0)
		done <- snap
	}()
	waitEntered(t, src)

	src.set()
	m.ClearAllMetrics()
	close(gate)

	snap := <-done
	require.NotNil(t, snap)
	assert.Zero(t, snap.Window.TotalSampleCount, "result computed before the clear is not published")
	assert.EqualValues(t, 2, src.calls.Load())

	require.NoError(t, m.Stop())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0}, seen)
}

func TestSubscriptions_OnlyMatchingKeys(t *testing.T) {
	src := newFakeSource(hrAt(now.Add(-time.Minute), 70))
	m := newTestManager(t, src, WithInitialRange(metrics.RangeHour))

	var hourHits, activeHits, dayHits atomic.Int32
	_, c1 := m.Subscribe(NewKey(metrics.RangeHour, 0), func(*Snapshot) { hourHits.Add(1) })
	defer c1()
	_, c2 := m.SubscribeActive(func(s *Snapshot) {
		assert.Equal(t, metrics.RangeHour, s.Key.Range)
		activeHits.Add(1)
	})
	defer c2()
	_, c3 := m.Subscribe(NewKey(metrics.RangeDay, 0), func(*Snapshot) { dayHits.Add(1) })
	c3()

	ctx := context.Background()
	_, err := m.UpdateMetrics(ctx, metrics.RangeHour, 0)
	require.NoError(t, err)
	_, err = m.UpdateMetrics(ctx, metrics.RangeDay, 0)
	require.NoError(t, err)
	_, err = m.UpdateMetrics(ctx, metrics.RangeHour, -1)
	require.NoError(t, err)

	require.NoError(t, m.Stop())
	assert.EqualValues(t, 1, hourHits.Load())
	assert.EqualValues(t, 1, activeHits.Load())
	assert.Zero(t, dayHits.Load(), "cancelled subscription receives nothing")
}

func TestUpdateMetrics_CancelledCallerStillCaches(t *testing.T) {
	src := newFakeSource(hrAt(now.Add(-time.Minute), 70))
	gate := src.block()
	m := newTestManager(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.UpdateMetrics(ctx, metrics.RangeMinute, 0)
		errc <- err
	}()
	waitEntered(t, src)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(gate)
	assert.Eventually(t, func() bool {
		return m.State(metrics.RangeMinute, 0) == StateFresh
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateMetrics_UnsupportedRange(t *testing.T) {
	c, err := metrics.NewCatalog([]metrics.RangeSpec{{Range: metrics.RangeDay}})
	require.NoError(t, err)
	m := newTestManager(t, newFakeSource(), WithCatalog(c))

	_, err = m.UpdateMetrics(context.Background(), metrics.RangeHour, 0)
	assert.ErrorIs(t, err, metrics.ErrUnsupportedRange)
	assert.Equal(t, metrics.RangeDay, m.Active().Range, "initial range falls back to a supported one")
}

func TestStatus(t *testing.T) {
	src := newFakeSource()
	src.noData = true
	m := newTestManager(t, src)

	st := m.Status()
	assert.Equal(t, sufficiency.ReasonNoDataCollected, st.Verdict.Reason)
	assert.False(t, st.IsUpdating)

	gate := src.block()
	go m.UpdateMetrics(context.Background(), metrics.RangeHour, 0)
	waitEntered(t, src)
	assert.True(t, m.Status().IsUpdating)
	close(gate)

	assert.Eventually(t, func() bool { return !m.Status().IsUpdating }, time.Second, 5*time.Millisecond)
	st = m.Status()
	assert.Equal(t, now, st.LastUpdate)
	assert.Equal(t, sufficiency.ReasonNoDataCollected, st.Verdict.Reason)
	assert.Equal(t, "no data collected yet; connect your device", st.Verdict.Message)

	src.mu.Lock()
	src.noData = false
	src.mu.Unlock()
	src.set(hrAt(now.Add(-time.Minute), 70))
	snap, err := m.UpdateMetrics(context.Background(), metrics.RangeHour, 0)
	require.NoError(t, err)
	assert.Equal(t, sufficiency.ReasonTooFewPoints, snap.Verdict.Reason)
}

func TestStop_RejectsFurtherWork(t *testing.T) {
	m := newTestManager(t, newFakeSource())
	require.NoError(t, m.Stop())

	_, err := m.UpdateMetrics(context.Background(), metrics.RangeHour, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.SelectTimeRange(metrics.RangeDay), ErrClosed)
}

// slowSource takes delay per query, like a large store scan. onQuery runs
// during every query, standing in for samples arriving mid-aggregation.
type slowSource struct {
	delay   time.Duration
	samples []sensor.Sample
	onQuery func()
	calls   atomic.Int32
}

func (s *slowSource) Query(ctx context.Context, from, to time.Time) ([]sensor.Sample, error) {
	s.calls.Add(1)
	if s.onQuery != nil {
		s.onQuery()
	}
	time.Sleep(s.delay)
	return s.samples, nil
}

func TestUpdateMetrics_BoundedUnderContinuousIngestion(t *testing.T) {
	src := &slowSource{delay: 5 * time.Millisecond, samples: []sensor.Sample{hrAt(now.Add(-time.Minute), 70)}}
	m := newTestManager(t, src)
	src.onQuery = func() { m.HandleSample(hrAt(now.Add(-30*time.Second), 75)) }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := m.UpdateMetrics(ctx, metrics.RangeHour, 0)
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.EqualValues(t, 2, src.calls.Load(), "one pass plus one trailing pass")
	assert.Equal(t, StateStale, m.State(metrics.RangeHour, 0), "samples during the trailing pass leave the window stale")

	src.onQuery = nil
	snap, err = m.Get(ctx, metrics.RangeHour, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, src.calls.Load(), "a stale window is recomputed on the next request")
	assert.Equal(t, StateFresh, m.State(metrics.RangeHour, 0))
	assert.EqualValues(t, 3, snap.Version)
}
