package trend

import (
	"testing"

	"github.com/oralable/oralytics/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelta_Symmetry(t *testing.T) {
	flat, ok := Delta([]float64{5, 5, 5, 5, 5, 5})
	require.True(t, ok)
	assert.Zero(t, flat)

	up, ok := Delta([]float64{1, 1, 1, 9, 9, 9})
	require.True(t, ok)
	down, ok := Delta([]float64{9, 9, 9, 1, 1, 1})
	require.True(t, ok)

	assert.Equal(t, 8.0, up)
	assert.Equal(t, -8.0, down)
	assert.Equal(t, up, -down)
}

func TestDelta_ShortSeries(t *testing.T) {
	_, ok := Delta(nil)
	assert.False(t, ok)

	_, ok = Delta([]float64{3})
	assert.False(t, ok)

	// Two values: each third has exactly one element.
	d, ok := Delta([]float64{2, 5})
	require.True(t, ok)
	assert.Equal(t, 3.0, d)
}

func TestDelta_IgnoresMiddleThird(t *testing.T) {
	d, ok := Delta([]float64{1, 1, 100, -100, 3, 3})
	require.True(t, ok)
	assert.Equal(t, 2.0, d)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		delta     float64
		threshold float64
		want      Direction
	}{
		{0, 0.1, Stable},
		{0.1, 0.1, Stable},
		{-0.1, 0.1, Stable},
		{0.11, 0.1, Increasing},
		{-0.5, 0.1, Decreasing},
		{0, 0, Stable},
		{0.5, -1, Stable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.delta, tt.threshold), "delta=%v threshold=%v", tt.delta, tt.threshold)
	}
}

func TestEstimator_PerKindThresholds(t *testing.T) {
	e := NewEstimator(Thresholds{sensor.KindHeartRate: 10})

	r, ok := e.Estimate(sensor.KindHeartRate, []float64{60, 60, 65, 65, 68, 68})
	require.True(t, ok)
	assert.Equal(t, Stable, r.Direction, "8 bpm rise sits inside the overridden band")
	assert.Equal(t, 10.0, r.Threshold)
	assert.Equal(t, 6, r.Points)

	r, ok = e.Estimate(sensor.KindBattery, []float64{80, 80, 78, 78})
	require.True(t, ok)
	assert.Equal(t, Decreasing, r.Direction)

	r, ok = e.Estimate(sensor.KindTemperature, []float64{36.50, 36.55})
	require.True(t, ok)
	assert.Equal(t, Stable, r.Direction)

	_, ok = e.Estimate(sensor.KindSpO2, []float64{97})
	assert.False(t, ok)
}

func TestDirection_Text(t *testing.T) {
	for _, d := range []Direction{Stable, Increasing, Decreasing} {
		b, err := d.MarshalText()
		require.NoError(t, err)
		var got Direction
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, d, got)
	}
	var d Direction
	assert.Error(t, d.UnmarshalText([]byte("sideways")))
}
