// Package rollup caches aggregate windows per (range, offset) and keeps them
// current as samples arrive.
//
// All state transitions happen under one mutex. Aggregation runs outside it,
// at most once per key at a time: concurrent requests for a key join the
// in-flight computation. A window is published by swapping a pointer, so
// readers see either the previous snapshot or the new one, never a partial
// build.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/sensor"
	"github.com/oralable/oralytics/internal/sufficiency"
)

// ErrClosed is returned by operations on a stopped manager.
var ErrClosed = errors.New("rollup manager closed")

const (
	DefaultDebounce           = 250 * time.Millisecond
	DefaultAutoUpdateInterval = 30 * time.Second

	computeTimeout = 30 * time.Second
)

// Source is the read side of the sample log.
type Source interface {
	Query(ctx context.Context, from, to time.Time) ([]sensor.Sample, error)
}

// dataProber is implemented by sources that can tell whether any sample was
// ever recorded.
type dataProber interface {
	HasData() bool
}

// Manager is the metrics cache and invalidation manager.
type Manager struct {
	source     Source
	catalog    *metrics.Catalog
	aggregator *metrics.Aggregator
	evaluator  *sufficiency.Evaluator
	now        func() time.Time
	log        *slog.Logger

	debounce           time.Duration
	autoUpdateInterval time.Duration

	group singleflight.Group

	mu       sync.Mutex
	entries  map[Key]*entry
	epoch    uint64
	version  uint64
	active   Key
	sawData  bool
	closed   bool
	timer    *time.Timer
	auto     *autoUpdater
	suspend  bool
	notifier *notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithCatalog sets the supported ranges.
func WithCatalog(c *metrics.Catalog) Option {
	return func(m *Manager) {
		m.catalog = c
	}
}

// WithAggregator sets the aggregator.
func WithAggregator(a *metrics.Aggregator) Option {
	return func(m *Manager) {
		m.aggregator = a
	}
}

// WithEvaluator sets the sufficiency evaluator.
func WithEvaluator(e *sufficiency.Evaluator) Option {
	return func(m *Manager) {
		m.evaluator = e
	}
}

// WithClock overrides the wall clock used to place windows.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithDebounce sets the delay between a selection change and recompute.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		m.debounce = d
	}
}

// WithAutoUpdateInterval sets the auto-update period.
func WithAutoUpdateInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.autoUpdateInterval = d
	}
}

// WithInitialRange sets the active range before the first selection.
func WithInitialRange(r metrics.TimeRange) Option {
	return func(m *Manager) {
		m.active = Key{Range: r}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(m *Manager) {
		m.log = lg
	}
}

// NewManager creates a manager reading from source.
func NewManager(source Source, opts ...Option) *Manager {
	m := &Manager{
		source:             source,
		now:                time.Now,
		debounce:           DefaultDebounce,
		autoUpdateInterval: DefaultAutoUpdateInterval,
		entries:            make(map[Key]*entry),
		active:             Key{Range: metrics.RangeHour},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.catalog == nil {
		m.catalog = metrics.DefaultCatalog()
	}
	if m.aggregator == nil {
		m.aggregator = metrics.NewAggregator()
	}
	if m.evaluator == nil {
		m.evaluator = sufficiency.NewEvaluator(m.catalog)
	}
	if m.log == nil {
		m.log = logger.Component("rollup")
	}
	if !m.catalog.Supports(m.active.Range) {
		m.active = Key{Range: m.catalog.Ranges()[0]}
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.notifier = newNotifier()
	return m
}

// Start binds the manager to ctx and starts notification delivery.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cancel()
	m.ctx, m.cancel = context.WithCancel(ctx)
	if m.auto != nil {
		// The old ticker was bound to the context just cancelled.
		m.auto.cancel()
		m.startAutoLocked()
	}

	m.wg.Add(1)
	go m.notifier.run(m.ctx, &m.wg)
	return nil
}

// Stop halts auto-update and pending debounce, and waits for queued
// notifications to be delivered.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	auto := m.auto
	m.auto = nil
	m.mu.Unlock()

	if auto != nil {
		auto.stop()
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// Catalog returns the supported ranges.
func (m *Manager) Catalog() *metrics.Catalog {
	return m.catalog
}

func (m *Manager) entryLocked(k Key) *entry {
	e, ok := m.entries[k]
	if !ok {
		e = &entry{}
		m.entries[k] = e
	}
	return e
}

// State returns the state of the entry for (r, offset).
func (m *Manager) State(r metrics.TimeRange, offset int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[NewKey(r, offset)]; ok {
		return e.state
	}
	return StateAbsent
}

// Cached returns the last published snapshot for (r, offset), fresh or not.
func (m *Manager) Cached(r metrics.TimeRange, offset int) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[NewKey(r, offset)]; ok && e.current != nil {
		return e.current, true
	}
	return nil, false
}

// Get returns the cached window when fresh and computes it otherwise.
func (m *Manager) Get(ctx context.Context, r metrics.TimeRange, offset int) (*Snapshot, error) {
	k := NewKey(r, offset)
	m.mu.Lock()
	if e, ok := m.entries[k]; ok && e.state == StateFresh && e.current != nil {
		snap := e.current
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()
	return m.UpdateMetrics(ctx, r, offset)
}

// UpdateMetrics recomputes the window for (r, offset). Concurrent calls for
// the same key share one computation and observe the same snapshot. A
// cancelled ctx returns early; the computation still completes and is
// cached.
func (m *Manager) UpdateMetrics(ctx context.Context, r metrics.TimeRange, offset int) (*Snapshot, error) {
	if !m.catalog.Supports(r) {
		return nil, fmt.Errorf("%w: %s", metrics.ErrUnsupportedRange, r)
	}
	k := NewKey(r, offset)

	ch := m.group.DoChan(k.String(), func() (any, error) {
		return m.compute(k)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// compute runs one key's aggregation to publication. Only one compute per
// key runs at a time, and it makes at most one trailing pass for samples
// that arrived while it was aggregating.
func (m *Manager) compute(k Key) (*Snapshot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	base := m.ctx
	m.mu.Unlock()

	var last *Snapshot
	trailing := false
	for {
		m.mu.Lock()
		e := m.entryLocked(k)
		e.state = StateComputing
		e.dirty = false
		epoch := m.epoch
		now := m.now()
		p, err := m.catalog.Window(k.Range, k.Offset, now)
		if err != nil {
			m.settleFailedLocked(e)
			m.mu.Unlock()
			return nil, err
		}
		e.period = p
		m.mu.Unlock()

		snap, err := m.build(base, k, p, now)

		m.mu.Lock()
		if err != nil {
			if cur, ok := m.entries[k]; ok {
				m.settleFailedLocked(cur)
			}
			m.mu.Unlock()
			m.log.Warn("Aggregation failed", "key", k.String(), "error", err)
			if last != nil {
				return last, nil
			}
			return nil, err
		}
		if m.epoch != epoch {
			// Cleared while computing; the result describes discarded data.
			m.mu.Unlock()
			continue
		}

		e = m.entryLocked(k)
		if e.current != nil && e.current.UpdatedAt.After(now) {
			// A newer window is already published.
			e.state = StateFresh
			last = e.current
			m.mu.Unlock()
			return last, nil
		}
		m.version++
		snap.Version = m.version
		e.current = snap
		e.period = p
		e.state = StateFresh
		m.enqueueLocked(snap)
		last = snap

		if e.dirty {
			if trailing {
				// Dirtied again during the trailing pass: leave it stale for
				// the next request or auto-update tick.
				e.dirty = false
				e.state = StateStale
				m.mu.Unlock()
				return last, nil
			}
			trailing = true
			m.mu.Unlock()
			m.log.Debug("Trailing recompute", "key", k.String())
			continue
		}
		m.mu.Unlock()
		return last, nil
	}
}

func (m *Manager) settleFailedLocked(e *entry) {
	if e.current != nil {
		e.state = StateStale
	} else {
		e.state = StateAbsent
	}
}

func (m *Manager) build(base context.Context, k Key, p metrics.Period, now time.Time) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(base, computeTimeout)
	defer cancel()

	samples, err := m.source.Query(ctx, p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for %s: %w", k, err)
	}

	w := m.aggregator.Compute(p, samples)
	verdict := m.evaluator.Evaluate(w, k.Range)
	if w.TotalSampleCount == 0 && !m.hasEverHadData() {
		verdict = sufficiency.NoDataCollected()
	}

	return &Snapshot{
		Key:       k,
		Window:    w,
		Verdict:   verdict,
		UpdatedAt: now,
	}, nil
}

func (m *Manager) hasEverHadData() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasDataLocked()
}

func (m *Manager) hasDataLocked() bool {
	if m.sawData {
		return true
	}
	if p, ok := m.source.(dataProber); ok {
		return p.HasData()
	}
	return true
}

// HandleSample marks every cached window containing s as stale. Windows
// being computed are recomputed once after they publish. It is safe to
// register as a sample log listener.
func (m *Manager) HandleSample(s sensor.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sawData = true
	for k, e := range m.entries {
		if !e.period.Contains(s.Timestamp) {
			continue
		}
		switch e.state {
		case StateFresh:
			e.state = StateStale
			m.log.Debug("Window stale", "key", k.String())
		case StateComputing:
			e.dirty = true
		}
	}
}

// Invalidate marks the entry for (r, offset) stale.
func (m *Manager) Invalidate(r metrics.TimeRange, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked(NewKey(r, offset))
}

func (m *Manager) invalidateLocked(k Key) {
	e, ok := m.entries[k]
	if !ok {
		return
	}
	switch e.state {
	case StateFresh:
		e.state = StateStale
	case StateComputing:
		e.dirty = true
	}
}

// ClearAllMetrics drops every cached window. Computations in flight when it
// is called do not publish their results.
func (m *Manager) ClearAllMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch++
	m.entries = make(map[Key]*entry)
	m.sawData = false
	m.log.Info("Cleared all metrics", "epoch", m.epoch)
}

// Status reports the active selection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Active:     m.active,
		AutoUpdate: m.auto != nil,
		Suspended:  m.suspend,
	}
	e, ok := m.entries[m.active]
	if !ok {
		if !m.hasDataLocked() {
			st.Verdict = sufficiency.NoDataCollected()
		}
		return st
	}
	st.State = e.state
	st.IsUpdating = e.state == StateComputing
	if e.current != nil {
		st.LastUpdate = e.current.UpdatedAt
		st.Verdict = e.current.Verdict
	}
	return st
}
