package rollup

import (
	"fmt"
	"time"

	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/sufficiency"
)

// State is the lifecycle state of one cache entry.
type State int

const (
	StateAbsent State = iota
	StateComputing
	StateFresh
	StateStale
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateComputing:
		return "computing"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Key identifies a cache entry.
type Key struct {
	Range  metrics.TimeRange `json:"range"`
	Offset int               `json:"offset"`
}

// NewKey returns the key for r with the offset clamped to the present.
func NewKey(r metrics.TimeRange, offset int) Key {
	return Key{Range: r, Offset: metrics.ClampOffset(offset)}
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Range, k.Offset)
}

// Snapshot is a published window together with the bookkeeping the manager
// attaches to it. Snapshots are immutable.
type Snapshot struct {
	Key       Key                      `json:"key"`
	Window    *metrics.AggregateWindow `json:"window"`
	Verdict   sufficiency.Verdict      `json:"verdict"`
	Version   uint64                   `json:"version"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// Status is what a consumer needs to render the active selection.
type Status struct {
	Active     Key                 `json:"active"`
	State      State               `json:"-"`
	IsUpdating bool                `json:"is_updating"`
	LastUpdate time.Time           `json:"last_update"`
	Verdict    sufficiency.Verdict `json:"verdict"`
	AutoUpdate bool                `json:"auto_update"`
	Suspended  bool                `json:"suspended"`
}

type entry struct {
	state   State
	current *Snapshot
	// period is the window of the latest computation, published or not.
	period metrics.Period
	// dirty is set when the entry is invalidated while computing.
	dirty bool
}
