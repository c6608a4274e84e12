package sufficiency

import (
	"testing"
	"time"

	"github.com/oralable/oralytics/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)

func windowWith(offsets ...time.Duration) *metrics.AggregateWindow {
	w := &metrics.AggregateWindow{TimeRange: metrics.RangeHour}
	for _, off := range offsets {
		w.DataPoints = append(w.DataPoints, metrics.DataPoint{Timestamp: t0.Add(off), SampleCount: 1})
		w.TotalSampleCount++
	}
	return w
}

func hourWithThirtySeconds(t *testing.T) *Evaluator {
	t.Helper()
	c, err := metrics.NewCatalog([]metrics.RangeSpec{
		{Range: metrics.RangeHour, MinimumSpan: 30 * time.Second},
	})
	require.NoError(t, err)
	return NewEvaluator(c)
}

func TestEvaluate_SpanBoundary(t *testing.T) {
	e := hourWithThirtySeconds(t)

	short := e.Evaluate(windowWith(0, 29*time.Second), metrics.RangeHour)
	assert.False(t, short.Sufficient)
	assert.Equal(t, ReasonSpanTooShort, short.Reason)
	assert.Contains(t, short.Message, "29s")
	assert.Contains(t, short.Message, "30s")
	assert.Equal(t, 29*time.Second, short.Span)

	enough := e.Evaluate(windowWith(0, 31*time.Second), metrics.RangeHour)
	assert.True(t, enough.Sufficient)
	assert.Equal(t, ReasonNone, enough.Reason)
	assert.Empty(t, enough.Message)
	assert.Equal(t, 2, enough.Points)
}

func TestEvaluate_RulesInOrder(t *testing.T) {
	e := NewEvaluator(nil)

	tests := []struct {
		name   string
		window *metrics.AggregateWindow
		reason Reason
		msg    string
	}{
		{"nil window", nil, ReasonNoData, "no data in range"},
		{"zero samples", &metrics.AggregateWindow{}, ReasonNoData, "no data in range"},
		{"single point", windowWith(0), ReasonTooFewPoints, "need at least 2 points"},
		{"forty minutes in a week", windowWith(0, 40*time.Minute), ReasonSpanTooShort, "40m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := metrics.RangeHour
			if tt.reason == ReasonSpanTooShort {
				r = metrics.RangeWeek
			}
			v := e.Evaluate(tt.window, r)
			assert.False(t, v.Sufficient)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Contains(t, v.Message, tt.msg)
		})
	}
}

func TestEvaluate_IgnoresEmptyPlaceholders(t *testing.T) {
	w := windowWith(0)
	// Placeholder buckets carry no samples and must not count as points.
	w.DataPoints = append(w.DataPoints,
		metrics.DataPoint{Timestamp: t0.Add(10 * time.Minute)},
		metrics.DataPoint{Timestamp: t0.Add(20 * time.Minute)},
	)

	v := NewEvaluator(nil).Evaluate(w, metrics.RangeHour)
	assert.Equal(t, ReasonTooFewPoints, v.Reason)
}

func TestEvaluate_UnsupportedRangeUsesDefaultSpan(t *testing.T) {
	e := hourWithThirtySeconds(t)
	assert.Equal(t, metrics.RangeDay.DefaultMinimumSpan(), e.MinimumSpan(metrics.RangeDay))
}

func TestNoDataCollected(t *testing.T) {
	v := NoDataCollected()
	assert.False(t, v.Sufficient)
	assert.Equal(t, ReasonNoDataCollected, v.Reason)
	assert.Equal(t, "no data collected yet; connect your device", v.String())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{29 * time.Second, "29s"},
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{90 * time.Minute, "1h30m"},
		{52 * time.Hour, "2d4h"},
		{1500 * time.Millisecond, "1s"},
		{250 * time.Millisecond, "250ms"},
		{-2 * time.Minute, "-2m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), "FormatDuration(%v)", tt.in)
	}
}
