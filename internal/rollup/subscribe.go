package rollup

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler receives published snapshots. Handlers run on the manager's
// dispatcher goroutine, one at a time, in publish order.
type Handler func(*Snapshot)

type subscription struct {
	id     uuid.UUID
	key    Key
	active bool
	fn     Handler
	done   atomic.Bool
}

type delivery struct {
	snap *Snapshot
	subs []*subscription
}

// notifier queues deliveries without blocking the publisher and hands them
// to a single dispatcher goroutine.
type notifier struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*subscription
	queue  []delivery
	signal chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		subs:   make(map[uuid.UUID]*subscription),
		signal: make(chan struct{}, 1),
	}
}

func (n *notifier) add(s *subscription) {
	n.mu.Lock()
	n.subs[s.id] = s
	n.mu.Unlock()
}

func (n *notifier) remove(id uuid.UUID) {
	n.mu.Lock()
	if s, ok := n.subs[id]; ok {
		s.done.Store(true)
		delete(n.subs, id)
	}
	n.mu.Unlock()
}

// enqueue resolves the recipients of snap now, so a later selection change
// does not redirect a window published for the previous selection.
func (n *notifier) enqueue(snap *Snapshot, active Key) {
	n.push(snap, func(s *subscription) bool {
		return (s.active && snap.Key == active) || (!s.active && snap.Key == s.key)
	})
}

// enqueueActive delivers snap to active-selection subscribers only. Keyed
// subscribers already saw it when it was published.
func (n *notifier) enqueueActive(snap *Snapshot) {
	n.push(snap, func(s *subscription) bool { return s.active })
}

func (n *notifier) push(snap *Snapshot, match func(*subscription) bool) {
	n.mu.Lock()
	var targets []*subscription
	for _, s := range n.subs {
		if match(s) {
			targets = append(targets, s)
		}
	}
	if len(targets) > 0 {
		sortSubs(targets)
		n.queue = append(n.queue, delivery{snap: snap, subs: targets})
	}
	n.mu.Unlock()

	if len(targets) > 0 {
		select {
		case n.signal <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return
		case <-n.signal:
			n.drain()
		}
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()

		for _, d := range batch {
			for _, s := range d.subs {
				if !s.done.Load() {
					s.fn(d.snap)
				}
			}
		}
	}
}

// sortSubs orders subscriptions by creation; uuid v7 ids sort by time.
func sortSubs(subs []*subscription) {
	slices.SortFunc(subs, func(a, b *subscription) int {
		return bytes.Compare(a.id[:], b.id[:])
	})
}

// Subscribe calls fn every time the window for k is published.
// The returned function cancels the subscription.
func (m *Manager) Subscribe(k Key, fn Handler) (uuid.UUID, func()) {
	s := &subscription{id: newID(), key: NewKey(k.Range, k.Offset), fn: fn}
	m.notifier.add(s)
	return s.id, func() { m.notifier.remove(s.id) }
}

// SubscribeActive calls fn every time the window for the active selection is
// published.
func (m *Manager) SubscribeActive(fn Handler) (uuid.UUID, func()) {
	s := &subscription{id: newID(), active: true, fn: fn}
	m.notifier.add(s)
	return s.id, func() { m.notifier.remove(s.id) }
}

// enqueueLocked schedules delivery of snap. Callers hold m.mu.
func (m *Manager) enqueueLocked(snap *Snapshot) {
	m.notifier.enqueue(snap, m.active)
}

func newID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
