package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestTimeRange_Defaults(t *testing.T) {
	tests := []struct {
		r       TimeRange
		dur     time.Duration
		width   time.Duration
		buckets int
		minSpan time.Duration
	}{
		{RangeMinute, time.Minute, 5 * time.Second, 12, 30 * time.Second},
		{RangeHour, time.Hour, time.Minute, 60, 5 * time.Minute},
		{RangeDay, 24 * time.Hour, time.Hour, 24, 30 * time.Minute},
		{RangeWeek, 7 * 24 * time.Hour, 24 * time.Hour, 7, 2 * time.Hour},
		{RangeMonth, 30 * 24 * time.Hour, 24 * time.Hour, 30, 8 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.r.String(), func(t *testing.T) {
			if got := tt.r.Duration(); got != tt.dur {
				t.Errorf("Duration() = %v, want %v", got, tt.dur)
			}
			if got := tt.r.DefaultBucketWidth(); got != tt.width {
				t.Errorf("DefaultBucketWidth() = %v, want %v", got, tt.width)
			}
			if got := int(tt.dur / tt.width); got != tt.buckets {
				t.Errorf("bucket count = %d, want %d", got, tt.buckets)
			}
			if got := tt.r.DefaultMinimumSpan(); got != tt.minSpan {
				t.Errorf("DefaultMinimumSpan() = %v, want %v", got, tt.minSpan)
			}
		})
	}
}

func TestParseTimeRange(t *testing.T) {
	for _, r := range AllTimeRanges() {
		got, err := ParseTimeRange(r.String())
		if err != nil {
			t.Fatalf("ParseTimeRange(%q): %v", r, err)
		}
		if got != r {
			t.Errorf("expected %v, got %v", r, got)
		}
	}

	if _, err := ParseTimeRange("fortnight"); !errors.Is(err, ErrUnsupportedRange) {
		t.Errorf("expected ErrUnsupportedRange, got %v", err)
	}
}

func TestAllTimeRanges_IncludesHour(t *testing.T) {
	found := false
	for _, r := range AllTimeRanges() {
		if r == RangeHour {
			found = true
		}
	}
	if !found {
		t.Error("hour must be part of the canonical enumeration")
	}
}

func TestNewCatalog_SubsetAndOrdering(t *testing.T) {
	c, err := NewCatalog([]RangeSpec{
		{Range: RangeWeek},
		{Range: RangeHour, BucketWidth: 5 * time.Minute},
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	ranges := c.Ranges()
	if len(ranges) != 2 || ranges[0] != RangeHour || ranges[1] != RangeWeek {
		t.Errorf("unexpected ranges %v", ranges)
	}
	if c.Supports(RangeMinute) {
		t.Error("minute was not configured")
	}

	spec, err := c.Spec(RangeHour)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if spec.BucketWidth != 5*time.Minute {
		t.Errorf("expected configured width, got %v", spec.BucketWidth)
	}
	if spec.MinimumSpan != RangeHour.DefaultMinimumSpan() {
		t.Errorf("expected default min span, got %v", spec.MinimumSpan)
	}

	if _, err := c.Window(RangeMinute, 0, time.Now()); !errors.Is(err, ErrUnsupportedRange) {
		t.Errorf("expected ErrUnsupportedRange, got %v", err)
	}
}

func TestNewCatalog_Rejects(t *testing.T) {
	if _, err := NewCatalog(nil); err == nil {
		t.Error("expected error for empty catalog")
	}
	if _, err := NewCatalog([]RangeSpec{{Range: RangeDay}, {Range: RangeDay}}); err == nil {
		t.Error("expected error for duplicate range")
	}
	if _, err := NewCatalog([]RangeSpec{{Range: RangeMinute, BucketWidth: 2 * time.Minute}}); err == nil {
		t.Error("expected error for bucket wider than window")
	}
	if _, err := NewCatalog([]RangeSpec{{Range: TimeRange(42)}}); !errors.Is(err, ErrUnsupportedRange) {
		t.Errorf("expected ErrUnsupportedRange, got %v", err)
	}
}
