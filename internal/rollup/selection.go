package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oralable/oralytics/internal/metrics"
)

// Active returns the current selection.
func (m *Manager) Active() Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SelectTimeRange makes r the active range at the current period. The
// window is recomputed after the debounce delay unless another selection
// arrives first.
func (m *Manager) SelectTimeRange(r metrics.TimeRange) error {
	if !m.catalog.Supports(r) {
		return fmt.Errorf("%w: %s", metrics.ErrUnsupportedRange, r)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	next := Key{Range: r}
	if next == m.active {
		return nil
	}
	m.active = next
	m.scheduleLocked()
	return nil
}

// SelectOffset moves the active offset by delta periods. Offsets never move
// past the current period; a move that would is ignored. Reports whether the
// selection changed.
func (m *Manager) SelectOffset(delta int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	next := NewKey(m.active.Range, m.active.Offset+delta)
	if next == m.active {
		return false
	}
	m.active = next
	m.scheduleLocked()
	return true
}

// scheduleLocked (re)arms the debounce timer for the active selection.
func (m *Manager) scheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, m.fireActive)
}

// fireActive publishes the active window: a fresh cached one is re-delivered
// to active subscribers, anything else is recomputed.
func (m *Manager) fireActive() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	k := m.active
	if e, ok := m.entries[k]; ok && e.state == StateFresh && e.current != nil {
		m.notifier.enqueueActive(e.current)
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	m.recompute(ctx, k)
}

func (m *Manager) recompute(ctx context.Context, k Key) {
	if _, err := m.UpdateMetrics(ctx, k.Range, k.Offset); err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
		m.log.Warn("Recompute failed", "key", k.String(), "error", err)
	}
}

// Refresh marks the active window stale and recomputes it in the background.
func (m *Manager) Refresh() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	k := m.active
	m.invalidateLocked(k)
	ctx := m.ctx
	m.mu.Unlock()

	go m.recompute(ctx, k)
}

// autoUpdater re-triggers the active window on a ticker.
type autoUpdater struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (a *autoUpdater) stop() {
	a.cancel()
	a.wg.Wait()
}

// StartAutoUpdate starts periodic recomputation of the active window.
// Calling it while already running is a no-op.
func (m *Manager) StartAutoUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.auto != nil {
		return
	}
	m.startAutoLocked()
	m.log.Debug("Auto-update started", "interval", m.autoUpdateInterval)
}

// startAutoLocked runs a ticker bound to the current m.ctx.
func (m *Manager) startAutoLocked() {
	ctx, cancel := context.WithCancel(m.ctx)
	a := &autoUpdater{cancel: cancel}
	a.wg.Add(1)
	go m.autoUpdateLoop(ctx, a)
	m.auto = a
}

// StopAutoUpdate stops periodic recomputation.
func (m *Manager) StopAutoUpdate() {
	m.mu.Lock()
	a := m.auto
	m.auto = nil
	m.mu.Unlock()

	if a != nil {
		a.stop()
		m.log.Debug("Auto-update stopped")
	}
}

func (m *Manager) autoUpdateLoop(ctx context.Context, a *autoUpdater) {
	defer a.wg.Done()
	defer func() {
		m.mu.Lock()
		if m.auto == a {
			m.auto = nil
		}
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.autoUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	if m.suspend || m.closed {
		m.mu.Unlock()
		return
	}
	k := m.active
	m.invalidateLocked(k)
	m.mu.Unlock()

	m.recompute(ctx, k)
}

// Suspend pauses auto-update ticks without forgetting that auto-update is
// enabled.
func (m *Manager) Suspend() {
	m.mu.Lock()
	m.suspend = true
	m.mu.Unlock()
}

// Resume re-enables auto-update ticks and refreshes immediately when
// auto-update is on.
func (m *Manager) Resume() {
	m.mu.Lock()
	wasSuspended := m.suspend
	m.suspend = false
	running := m.auto != nil
	m.mu.Unlock()

	if wasSuspended && running {
		m.Refresh()
	}
}
