// Package metrics turns raw sensor samples into bucketed, windowed rollups.
package metrics

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedRange is returned when a TimeRange is not in the configured catalog.
var ErrUnsupportedRange = errors.New("unsupported time range")

// TimeRange is the granularity selected for historical viewing.
type TimeRange int

const (
	RangeMinute TimeRange = iota
	RangeHour
	RangeDay
	RangeWeek
	RangeMonth
)

const day = 24 * time.Hour

// Duration returns the length of a rolling window for the range.
// Month is a fixed 30 days in rolling alignment.
func (r TimeRange) Duration() time.Duration {
	switch r {
	case RangeMinute:
		return time.Minute
	case RangeHour:
		return time.Hour
	case RangeDay:
		return day
	case RangeWeek:
		return 7 * day
	case RangeMonth:
		return 30 * day
	default:
		return time.Hour
	}
}

// DefaultBucketWidth returns the chart sub-bucket width for the range.
// Minute uses 5s buckets, hour 1m, day 1h, week and month 1 day.
func (r TimeRange) DefaultBucketWidth() time.Duration {
	switch r {
	case RangeMinute:
		return 5 * time.Second
	case RangeHour:
		return time.Minute
	case RangeDay:
		return time.Hour
	case RangeWeek, RangeMonth:
		return day
	default:
		return time.Minute
	}
}

// DefaultMinimumSpan returns the smallest data span worth charting.
func (r TimeRange) DefaultMinimumSpan() time.Duration {
	switch r {
	case RangeMinute:
		return 30 * time.Second
	case RangeHour:
		return 5 * time.Minute
	case RangeDay:
		return 30 * time.Minute
	case RangeWeek:
		return 2 * time.Hour
	case RangeMonth:
		return 8 * time.Hour
	default:
		return 5 * time.Minute
	}
}

// String returns a display label.
func (r TimeRange) String() string {
	switch r {
	case RangeMinute:
		return "minute"
	case RangeHour:
		return "hour"
	case RangeDay:
		return "day"
	case RangeWeek:
		return "week"
	case RangeMonth:
		return "month"
	default:
		return fmt.Sprintf("range(%d)", int(r))
	}
}

// Valid reports whether r is one of the canonical ranges.
func (r TimeRange) Valid() bool {
	return r >= RangeMinute && r <= RangeMonth
}

// ParseTimeRange converts a label such as "day" into a TimeRange.
func ParseTimeRange(s string) (TimeRange, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minute", "min", "1m":
		return RangeMinute, nil
	case "hour", "h", "1h":
		return RangeHour, nil
	case "day", "d", "24h":
		return RangeDay, nil
	case "week", "w", "7d":
		return RangeWeek, nil
	case "month", "mo", "30d":
		return RangeMonth, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedRange, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r TimeRange) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRange, int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *TimeRange) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeRange(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// AllTimeRanges returns the canonical ranges in order.
func AllTimeRanges() []TimeRange {
	return []TimeRange{
		RangeMinute,
		RangeHour,
		RangeDay,
		RangeWeek,
		RangeMonth,
	}
}

// RangeSpec is the configured behaviour of one supported TimeRange.
type RangeSpec struct {
	Range       TimeRange
	BucketWidth time.Duration
	MinimumSpan time.Duration
}

// DefaultRangeSpec returns the built-in spec for r.
func DefaultRangeSpec(r TimeRange) RangeSpec {
	return RangeSpec{
		Range:       r,
		BucketWidth: r.DefaultBucketWidth(),
		MinimumSpan: r.DefaultMinimumSpan(),
	}
}

// Catalog is the configured list of supported time ranges together with how
// windows are aligned to the clock.
type Catalog struct {
	specs        map[TimeRange]RangeSpec
	order        []TimeRange
	alignment    Alignment
	firstWeekday time.Weekday
	location     *time.Location
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithAlignment sets rolling or calendar alignment.
func WithAlignment(a Alignment) CatalogOption {
	return func(c *Catalog) {
		c.alignment = a
	}
}

// WithFirstWeekday sets the first day of a calendar week.
func WithFirstWeekday(d time.Weekday) CatalogOption {
	return func(c *Catalog) {
		c.firstWeekday = d
	}
}

// WithLocation sets the time zone used for calendar alignment.
func WithLocation(loc *time.Location) CatalogOption {
	return func(c *Catalog) {
		if loc != nil {
			c.location = loc
		}
	}
}

// DefaultCatalog supports every canonical range with default widths.
func DefaultCatalog(opts ...CatalogOption) *Catalog {
	specs := make([]RangeSpec, 0, 5)
	for _, r := range AllTimeRanges() {
		specs = append(specs, DefaultRangeSpec(r))
	}
	c, _ := NewCatalog(specs, opts...)
	return c
}

// NewCatalog builds a catalog from specs. Specs are kept in canonical range
// order regardless of input order. Zero widths or spans take the defaults.
func NewCatalog(specs []RangeSpec, opts ...CatalogOption) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, errors.New("catalog needs at least one time range")
	}
	c := &Catalog{
		specs:        make(map[TimeRange]RangeSpec, len(specs)),
		alignment:    AlignRolling,
		firstWeekday: time.Monday,
		location:     time.Local,
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, s := range specs {
		if !s.Range.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnsupportedRange, int(s.Range))
		}
		if _, dup := c.specs[s.Range]; dup {
			return nil, fmt.Errorf("duplicate time range %s", s.Range)
		}
		if s.BucketWidth <= 0 {
			s.BucketWidth = s.Range.DefaultBucketWidth()
		}
		if s.MinimumSpan <= 0 {
			s.MinimumSpan = s.Range.DefaultMinimumSpan()
		}
		if s.BucketWidth > s.Range.Duration() {
			return nil, fmt.Errorf("bucket width %v exceeds %s window", s.BucketWidth, s.Range)
		}
		c.specs[s.Range] = s
	}
	for _, r := range AllTimeRanges() {
		if _, ok := c.specs[r]; ok {
			c.order = append(c.order, r)
		}
	}
	return c, nil
}

// Ranges returns the supported ranges in canonical order.
func (c *Catalog) Ranges() []TimeRange {
	out := make([]TimeRange, len(c.order))
	copy(out, c.order)
	return out
}

// Supports reports whether r is configured.
func (c *Catalog) Supports(r TimeRange) bool {
	_, ok := c.specs[r]
	return ok
}

// Spec returns the configuration for r.
func (c *Catalog) Spec(r TimeRange) (RangeSpec, error) {
	s, ok := c.specs[r]
	if !ok {
		return RangeSpec{}, fmt.Errorf("%w: %s", ErrUnsupportedRange, r)
	}
	return s, nil
}

// Alignment returns how windows are aligned.
func (c *Catalog) Alignment() Alignment {
	return c.alignment
}

// Window computes the period for r at offset relative to now.
func (c *Catalog) Window(r TimeRange, offset int, now time.Time) (Period, error) {
	spec, err := c.Spec(r)
	if err != nil {
		return Period{}, err
	}
	if c.alignment == AlignCalendar {
		return calendarWindow(spec, offset, now.In(c.location), c.firstWeekday), nil
	}
	return rollingWindow(spec, offset, now), nil
}
