package metrics

import (
	"math/rand"
	"testing"
	"time"

	"github.com/oralable/oralytics/internal/sensor"
)

func TestBucketize_CoversWindowExactly(t *testing.T) {
	start := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(7))

	cases := []struct {
		name    string
		dur     time.Duration
		width   time.Duration
		samples int
	}{
		{"hour by minute, dense", time.Hour, time.Minute, 5000},
		{"hour by minute, sparse", time.Hour, time.Minute, 3},
		{"hour by minute, empty", time.Hour, time.Minute, 0},
		{"uneven width", 10 * time.Minute, 3 * time.Minute, 50},
		{"day by hour", 24 * time.Hour, time.Hour, 200},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			end := start.Add(tc.dur)
			samples := make([]sensor.Sample, 0, tc.samples)
			for i := 0; i < tc.samples; i++ {
				off := time.Duration(rng.Int63n(int64(tc.dur)))
				samples = append(samples, sensor.NewSample(start.Add(off), sensor.KindHeartRate, 70))
			}

			buckets := Bucketize(samples, start, end, tc.width)
			if len(buckets) == 0 {
				t.Fatal("expected buckets for non-empty window")
			}
			if !buckets[0].Start.Equal(start) {
				t.Errorf("first bucket starts at %v, want %v", buckets[0].Start, start)
			}
			if !buckets[len(buckets)-1].End.Equal(end) {
				t.Errorf("last bucket ends at %v, want %v", buckets[len(buckets)-1].End, end)
			}

			total := 0
			for i, b := range buckets {
				if !b.End.After(b.Start) {
					t.Errorf("bucket %d is empty: %v..%v", i, b.Start, b.End)
				}
				if i > 0 && !buckets[i-1].End.Equal(b.Start) {
					t.Errorf("gap or overlap between bucket %d and %d", i-1, i)
				}
				for _, s := range b.Samples {
					if s.Timestamp.Before(b.Start) || !s.Timestamp.Before(b.End) {
						t.Errorf("sample %v outside bucket %d [%v, %v)", s.Timestamp, i, b.Start, b.End)
					}
				}
				total += len(b.Samples)
			}
			if total != tc.samples {
				t.Errorf("expected %d samples across buckets, got %d", tc.samples, total)
			}
		})
	}
}

func TestBucketize_BoundarySampleGoesRight(t *testing.T) {
	start := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Minute)

	samples := []sensor.Sample{
		sensor.NewSample(start.Add(time.Minute), sensor.KindHeartRate, 1),
		sensor.NewSample(end, sensor.KindHeartRate, 2), // excluded, window is right-open
		sensor.NewSample(start.Add(-time.Second), sensor.KindHeartRate, 3),
	}

	buckets := Bucketize(samples, start, end, time.Minute)
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	if len(buckets[0].Samples) != 0 {
		t.Errorf("bucket 0 should be empty, has %d", len(buckets[0].Samples))
	}
	if len(buckets[1].Samples) != 1 {
		t.Errorf("boundary sample should land in bucket 1, got %d", len(buckets[1].Samples))
	}
	if len(buckets[2].Samples) != 0 {
		t.Errorf("sample at window end must be excluded, got %d", len(buckets[2].Samples))
	}
}

func TestBucketize_EmptyWindow(t *testing.T) {
	start := time.Now()
	if got := Bucketize(nil, start, start, time.Minute); got != nil {
		t.Errorf("expected nil for empty window, got %d buckets", len(got))
	}
	if got := Bucketize(nil, start, start.Add(time.Hour), 0); got != nil {
		t.Errorf("expected nil for zero width, got %d buckets", len(got))
	}
}

func TestBucketize_SortsUnorderedInput(t *testing.T) {
	start := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	samples := []sensor.Sample{
		sensor.NewSample(start.Add(30*time.Second), sensor.KindHeartRate, 2),
		sensor.NewSample(start.Add(10*time.Second), sensor.KindHeartRate, 1),
	}

	buckets := Bucketize(samples, start, start.Add(time.Minute), time.Minute)
	got := buckets[0].Samples
	if len(got) != 2 || got[0].Value != 1 || got[1].Value != 2 {
		t.Errorf("expected samples in timestamp order, got %+v", got)
	}
	if samples[0].Value != 2 {
		t.Error("input slice must not be reordered")
	}
}
