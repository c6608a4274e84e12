// Package samplelog holds the append-only log of raw sensor samples.
//
// Readers never take a lock: the published state is an immutable snapshot
// behind an atomic pointer. Writers are serialised by a mutex and either
// write past the published length of the backing array or copy it, so a
// slice handed to a reader is never modified underneath it.
package samplelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"

	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/sensor"
)

// ErrTooOld is returned for samples that arrive further behind the newest
// sample than the reorder window allows.
var ErrTooOld = errors.New("sample older than reorder window")

const (
	DefaultReorderWindow   = 5 * time.Second
	DefaultMemoryRetention = 31 * 24 * time.Hour

	// compactThreshold is the number of evicted slots tolerated in front of
	// the live samples before the backing array is reallocated.
	compactThreshold = 4096
)

// Store is the persistent backing for the log.
type Store interface {
	SaveBatch(ctx context.Context, samples []sensor.Sample) (int64, error)
	Range(ctx context.Context, from, to time.Time, kinds ...sensor.Kind) ([]sensor.Sample, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Clear(ctx context.Context) (int64, error)
}

// Listener is called for every accepted sample after it is visible to
// readers.
type Listener func(sensor.Sample)

type snapshot struct {
	samples []sensor.Sample
	// horizon is the earliest instant memory is complete from. Older ranges
	// live only in the store.
	horizon time.Time
}

// Stats is a point-in-time view of the log counters.
type Stats struct {
	Received   int64     `json:"received"`
	Accepted   int64     `json:"accepted"`
	Reordered  int64     `json:"reordered"`
	Dropped    int64     `json:"dropped"`
	Duplicates int64     `json:"duplicates"`
	Invalid    int64     `json:"invalid"`
	Persisted  int64     `json:"persisted"`
	Length     int       `json:"length"`
	Pending    int       `json:"pending"`
	Oldest     time.Time `json:"oldest"`
	Newest     time.Time `json:"newest"`
	// Rate is the moving average of accepted samples per second.
	Rate float64 `json:"rate"`
}

// Log is the SensorSample store.
type Log struct {
	state atomic.Pointer[snapshot]

	mu        sync.Mutex
	pending   []sensor.Sample
	listeners map[int]Listener
	nextID    int
	dead      int

	stats     Stats
	rate      ewma.MovingAverage
	rateStart time.Time
	rateCount int

	store           Store
	reorderWindow   time.Duration
	memoryRetention time.Duration
	capacity        int
	retention       time.Duration
	persistInterval time.Duration
	pruneInterval   time.Duration
	now             func() time.Time
	log             *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Log.
type Option func(*Log)

// WithStore sets the persistent storage backend.
func WithStore(s Store) Option {
	return func(l *Log) {
		l.store = s
	}
}

// WithReorderWindow sets how far behind the newest sample a late sample may
// arrive and still be inserted in order.
func WithReorderWindow(d time.Duration) Option {
	return func(l *Log) {
		l.reorderWindow = d
	}
}

// WithMemoryRetention sets how much history is kept in memory.
func WithMemoryRetention(d time.Duration) Option {
	return func(l *Log) {
		l.memoryRetention = d
	}
}

// WithCapacity bounds the number of in-memory samples. Zero is unbounded.
func WithCapacity(n int) Option {
	return func(l *Log) {
		l.capacity = n
	}
}

// WithRetention sets how long samples are kept in the store.
func WithRetention(d time.Duration) Option {
	return func(l *Log) {
		l.retention = d
	}
}

// WithPersistInterval sets how often pending samples are flushed.
func WithPersistInterval(d time.Duration) Option {
	return func(l *Log) {
		l.persistInterval = d
	}
}

// WithPruneInterval sets how often the store is pruned.
func WithPruneInterval(d time.Duration) Option {
	return func(l *Log) {
		l.pruneInterval = d
	}
}

// WithClock overrides the wall clock used for retention and rate.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Log) {
		l.log = lg
	}
}

// New creates an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		listeners:       make(map[int]Listener),
		rate:            ewma.NewMovingAverage(),
		reorderWindow:   DefaultReorderWindow,
		memoryRetention: DefaultMemoryRetention,
		retention:       90 * 24 * time.Hour,
		persistInterval: 10 * time.Second,
		pruneInterval:   time.Hour,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.Component("samplelog")
	}
	l.state.Store(&snapshot{})
	return l
}

// OnAppend registers fn and returns a function that removes it.
func (l *Log) OnAppend(fn Listener) (cancel func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Append records one sample. Duplicates of an already stored identity are
// ignored without error.
func (l *Log) Append(s sensor.Sample) error {
	l.mu.Lock()
	accepted, err := l.insertLocked(s)
	var fns []Listener
	if accepted {
		fns = l.listenersLocked()
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
	return err
}

// AppendBatch records samples in order and returns how many were accepted.
// Rejected samples do not stop the batch; the first error is returned.
func (l *Log) AppendBatch(samples []sensor.Sample) (int, error) {
	l.mu.Lock()
	var (
		accepted []sensor.Sample
		firstErr error
	)
	for _, s := range samples {
		ok, err := l.insertLocked(s)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			accepted = append(accepted, s)
		}
	}
	var fns []Listener
	if len(accepted) > 0 {
		fns = l.listenersLocked()
	}
	l.mu.Unlock()

	for _, s := range accepted {
		for _, fn := range fns {
			fn(s)
		}
	}
	return len(accepted), firstErr
}

func (l *Log) listenersLocked() []Listener {
	if len(l.listeners) == 0 {
		return nil
	}
	ids := make([]int, 0, len(l.listeners))
	for id := range l.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]Listener, len(ids))
	for i, id := range ids {
		fns[i] = l.listeners[id]
	}
	return fns
}

func (l *Log) insertLocked(s sensor.Sample) (bool, error) {
	l.stats.Received++
	if err := s.Validate(); err != nil {
		l.stats.Invalid++
		return false, fmt.Errorf("invalid sample: %w", err)
	}

	cur := l.state.Load()
	samples := cur.samples
	horizon := cur.horizon

	if n := len(samples); n > 0 {
		newest := samples[n-1].Timestamp
		if s.Timestamp.Before(newest.Add(-l.reorderWindow)) {
			l.stats.Dropped++
			return false, fmt.Errorf("%w: %s behind newest", ErrTooOld, newest.Sub(s.Timestamp))
		}
	} else if horizon.IsZero() || s.Timestamp.Before(horizon) {
		horizon = s.Timestamp
	}

	pos, found := slices.BinarySearchFunc(samples, s, sensor.Compare)
	if found {
		l.stats.Duplicates++
		return false, nil
	}

	if pos == len(samples) {
		// Writes only past the published length; earlier snapshots are safe.
		samples = append(samples, s)
	} else {
		next := make([]sensor.Sample, len(samples)+1, cap(samples)+1)
		copy(next, samples[:pos])
		next[pos] = s
		copy(next[pos+1:], samples[pos:])
		samples = next
		l.dead = 0
		l.stats.Reordered++
	}

	samples, horizon = l.evictLocked(samples, horizon)
	l.state.Store(&snapshot{samples: samples, horizon: horizon})

	if l.store != nil {
		l.pending = append(l.pending, s)
	}
	l.stats.Accepted++
	l.tickRateLocked()
	return true, nil
}

// evictLocked drops samples that fell out of memory retention or capacity.
func (l *Log) evictLocked(samples []sensor.Sample, horizon time.Time) ([]sensor.Sample, time.Time) {
	if len(samples) == 0 {
		return samples, horizon
	}

	drop := 0
	if l.memoryRetention > 0 {
		cutoff := samples[len(samples)-1].Timestamp.Add(-l.memoryRetention)
		drop = sort.Search(len(samples), func(i int) bool {
			return !samples[i].Timestamp.Before(cutoff)
		})
		if cutoff.After(horizon) {
			horizon = cutoff
		}
	}
	if l.capacity > 0 && len(samples)-drop > l.capacity {
		drop = len(samples) - l.capacity
	}
	if drop == 0 {
		return samples, horizon
	}

	// Never split a timestamp across the horizon.
	for drop < len(samples) && samples[drop].Timestamp.Equal(samples[drop-1].Timestamp) {
		drop++
	}
	if drop == len(samples) {
		l.dead = 0
		return nil, samples[drop-1].Timestamp.Add(time.Nanosecond)
	}
	samples = samples[drop:]
	if first := samples[0].Timestamp; first.After(horizon) {
		horizon = first
	}
	l.dead += drop
	if l.dead > compactThreshold && l.dead > len(samples) {
		samples = slices.Clone(samples)
		l.dead = 0
	}
	return samples, horizon
}

func (l *Log) tickRateLocked() {
	now := l.now()
	if l.rateStart.IsZero() {
		l.rateStart = now
	}
	l.rateCount++
	if elapsed := now.Sub(l.rateStart); elapsed >= time.Second {
		l.rate.Add(float64(l.rateCount) / elapsed.Seconds())
		l.rateStart = now
		l.rateCount = 0
	}
}

// Snapshot returns the current in-memory samples ordered by (timestamp,
// kind). The slice is shared and must not be modified.
func (l *Log) Snapshot() []sensor.Sample {
	return l.state.Load().samples
}

// Len returns the number of in-memory samples.
func (l *Log) Len() int {
	return len(l.state.Load().samples)
}

// Newest returns the timestamp of the newest sample.
func (l *Log) Newest() (time.Time, bool) {
	s := l.state.Load().samples
	if len(s) == 0 {
		return time.Time{}, false
	}
	return s[len(s)-1].Timestamp, true
}

// HasData reports whether any sample is held in memory.
func (l *Log) HasData() bool {
	return l.Len() > 0
}

// Query returns a copy of the samples with from <= timestamp < to. Ranges
// older than the in-memory horizon are read from the store.
func (l *Log) Query(ctx context.Context, from, to time.Time) ([]sensor.Sample, error) {
	if !from.Before(to) {
		return nil, nil
	}
	snap := l.state.Load()

	var older []sensor.Sample
	if l.store != nil && (snap.horizon.IsZero() || from.Before(snap.horizon)) {
		end := to
		if !snap.horizon.IsZero() && snap.horizon.Before(end) {
			end = snap.horizon
		}
		var err error
		older, err = l.store.Range(ctx, from, end)
		if err != nil {
			return nil, fmt.Errorf("failed to read stored samples: %w", err)
		}
	}

	mem := window(snap.samples, from, to)
	if len(older) == 0 {
		return slices.Clone(mem), nil
	}
	if len(mem) == 0 {
		return older, nil
	}
	return mergeSorted(older, mem), nil
}

// window returns the sub-slice of sorted samples inside [from, to).
func window(samples []sensor.Sample, from, to time.Time) []sensor.Sample {
	lo := sort.Search(len(samples), func(i int) bool {
		return !samples[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(samples), func(i int) bool {
		return !samples[i].Timestamp.Before(to)
	})
	return samples[lo:hi]
}

// mergeSorted merges two sorted slices, dropping duplicate identities.
func mergeSorted(a, b []sensor.Sample) []sensor.Sample {
	out := make([]sensor.Sample, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := sensor.Compare(a[i], b[j]); {
		case c < 0:
			out = append(out, a[i])
			i++
		case c > 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, b[j])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Load hydrates memory from the store with samples at or after since.
// Loaded samples are not re-persisted and do not reach listeners.
func (l *Log) Load(ctx context.Context, since time.Time) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	stored, err := l.store.Range(ctx, since, time.Unix(0, math.MaxInt64))
	if err != nil {
		return 0, fmt.Errorf("failed to load samples: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.state.Load()
	merged := mergeSorted(stored, cur.samples)
	horizon := since
	if !cur.horizon.IsZero() && cur.horizon.Before(horizon) {
		horizon = cur.horizon
	}
	merged, horizon = l.evictLocked(merged, horizon)
	l.dead = 0
	l.state.Store(&snapshot{samples: merged, horizon: horizon})

	l.log.Info("Loaded samples from store", "count", len(stored), "since", since)
	return len(stored), nil
}

// Clear empties memory and the store.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.state.Store(&snapshot{})
	l.pending = nil
	l.dead = 0
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	n, err := l.store.Clear(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	l.log.Info("Cleared sample log", "deleted", n)
	return nil
}

// Stats returns the current counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	st := l.stats
	st.Pending = len(l.pending)
	st.Rate = l.rate.Value()
	l.mu.Unlock()

	samples := l.state.Load().samples
	st.Length = len(samples)
	if len(samples) > 0 {
		st.Oldest = samples[0].Timestamp
		st.Newest = samples[len(samples)-1].Timestamp
	}
	return st
}
