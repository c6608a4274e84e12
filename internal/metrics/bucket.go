package metrics

import (
	"slices"
	"time"

	"github.com/oralable/oralytics/internal/sensor"
)

// Bucket groups the samples falling in [Start, End).
type Bucket struct {
	Start   time.Time
	End     time.Time
	Samples []sensor.Sample
}

// Bucketize partitions [start, end) into contiguous buckets of width and
// assigns each sample to the bucket whose right-open interval holds it.
// Every bucket is returned, including empty ones, so callers can render
// gaps. The last bucket is shortened when width does not divide the window.
// Samples outside [start, end) are ignored. An empty window yields nil.
func Bucketize(samples []sensor.Sample, start, end time.Time, width time.Duration) []Bucket {
	if !end.After(start) || width <= 0 {
		return nil
	}

	p := Period{Start: start, End: end, BucketWidth: width}
	n := p.BucketCount()
	buckets := make([]Bucket, n)
	for i := range buckets {
		bs := start.Add(time.Duration(i) * width)
		be := bs.Add(width)
		if be.After(end) {
			be = end
		}
		buckets[i] = Bucket{Start: bs, End: be}
	}

	if !slices.IsSortedFunc(samples, sensor.Compare) {
		samples = slices.Clone(samples)
		slices.SortStableFunc(samples, sensor.Compare)
	}

	for _, s := range samples {
		if !p.Contains(s.Timestamp) {
			continue
		}
		i := int(s.Timestamp.Sub(start) / width)
		if i >= n {
			i = n - 1
		}
		buckets[i].Samples = append(buckets[i].Samples, s)
	}
	return buckets
}
