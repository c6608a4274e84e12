package metrics

import (
	"fmt"
	"strings"
	"time"
)

// Alignment controls how a window is anchored to the clock.
type Alignment int

const (
	// AlignRolling windows end at the bucket boundary following now and
	// span the range duration ("last hour").
	AlignRolling Alignment = iota
	// AlignCalendar windows cover the local calendar unit containing now
	// ("today", "this week").
	AlignCalendar
)

// String returns the configuration name.
func (a Alignment) String() string {
	if a == AlignCalendar {
		return "calendar"
	}
	return "rolling"
}

// ParseAlignment parses "rolling" or "calendar".
func ParseAlignment(s string) (Alignment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rolling":
		return AlignRolling, nil
	case "calendar":
		return AlignCalendar, nil
	default:
		return 0, fmt.Errorf("unknown alignment %q", s)
	}
}

// Period is the [Start, End) interval of one (TimeRange, offset) pair.
type Period struct {
	Range       TimeRange     `json:"range"`
	Offset      int           `json:"offset"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	BucketWidth time.Duration `json:"bucket_width"`
}

// Contains reports whether t lies in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Duration returns End - Start.
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// IsEmpty reports whether the period covers no time.
func (p Period) IsEmpty() bool {
	return !p.End.After(p.Start)
}

// BucketCount returns how many buckets Bucketize produces for the period.
func (p Period) BucketCount() int {
	if p.IsEmpty() || p.BucketWidth <= 0 {
		return 0
	}
	d := p.Duration()
	n := int(d / p.BucketWidth)
	if d%p.BucketWidth != 0 {
		n++
	}
	return n
}

// ClampOffset bounds an offset so it never points into the future.
func ClampOffset(offset int) int {
	if offset > 0 {
		return 0
	}
	return offset
}

// ComputeWindow returns the rolling window for r at offset using the default
// bucket width. offset 0 is the current period and negative offsets walk
// backwards; positive offsets are clamped to 0.
func ComputeWindow(r TimeRange, offset int, now time.Time) (start, end time.Time) {
	p := rollingWindow(DefaultRangeSpec(r), offset, now)
	return p.Start, p.End
}

func rollingWindow(spec RangeSpec, offset int, now time.Time) Period {
	offset = ClampOffset(offset)
	width := spec.BucketWidth
	dur := spec.Range.Duration()

	end := now.Truncate(width).Add(width)
	end = end.Add(time.Duration(offset) * dur)

	return Period{
		Range:       spec.Range,
		Offset:      offset,
		Start:       end.Add(-dur),
		End:         end,
		BucketWidth: width,
	}
}

func calendarWindow(spec RangeSpec, offset int, now time.Time, firstWeekday time.Weekday) Period {
	offset = ClampOffset(offset)
	loc := now.Location()
	y, m, d := now.Date()

	var start, end time.Time
	switch spec.Range {
	case RangeMinute:
		start = time.Date(y, m, d, now.Hour(), now.Minute(), 0, 0, loc).Add(time.Duration(offset) * time.Minute)
		end = start.Add(time.Minute)
	case RangeHour:
		start = time.Date(y, m, d, now.Hour(), 0, 0, 0, loc).Add(time.Duration(offset) * time.Hour)
		end = start.Add(time.Hour)
	case RangeDay:
		start = time.Date(y, m, d+offset, 0, 0, 0, 0, loc)
		end = time.Date(y, m, d+offset+1, 0, 0, 0, 0, loc)
	case RangeWeek:
		back := (int(now.Weekday()) - int(firstWeekday) + 7) % 7
		start = time.Date(y, m, d-back+7*offset, 0, 0, 0, 0, loc)
		end = time.Date(y, m, d-back+7*offset+7, 0, 0, 0, 0, loc)
	case RangeMonth:
		start = time.Date(y, m+time.Month(offset), 1, 0, 0, 0, 0, loc)
		end = time.Date(y, m+time.Month(offset)+1, 1, 0, 0, 0, 0, loc)
	default:
		return rollingWindow(spec, offset, now)
	}

	return Period{
		Range:       spec.Range,
		Offset:      offset,
		Start:       start,
		End:         end,
		BucketWidth: spec.BucketWidth,
	}
}
