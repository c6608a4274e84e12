package sensor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrZeroTimestamp = errors.New("sample has zero timestamp")
	ErrNonFinite     = errors.New("sample value is NaN or Inf")
	ErrQualityRange  = errors.New("quality score outside [0, 1]")
	ErrUnknownKind   = errors.New("unknown sensor kind")
)

// Vector3 is a raw three-axis accelerometer reading.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Magnitude returns the Euclidean length of the vector.
func (v Vector3) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sample is one timestamped observation. Samples are values and are never
// mutated after they are recorded.
type Sample struct {
	Timestamp time.Time
	Kind      Kind
	// Value is the scalar reading. For accelerometer samples it holds the
	// magnitude of Accel in raw device units.
	Value float64
	// Accel is only meaningful for KindAccelerometer.
	Accel Vector3
	// Quality is an optional 0..1 signal quality score.
	Quality *float64
}

// Key is the identity of a sample.
type Key struct {
	Timestamp int64 // unix nanoseconds
	Kind      Kind
}

// NewSample creates a scalar sample.
func NewSample(ts time.Time, kind Kind, value float64) Sample {
	return Sample{Timestamp: ts, Kind: kind, Value: value}
}

// NewAccelSample creates an accelerometer sample from a raw vector.
func NewAccelSample(ts time.Time, v Vector3) Sample {
	return Sample{
		Timestamp: ts,
		Kind:      KindAccelerometer,
		Value:     v.Magnitude(),
		Accel:     v,
	}
}

// NewEvent creates an event flag sample (grinding or clenching).
func NewEvent(ts time.Time, kind Kind) Sample {
	return Sample{Timestamp: ts, Kind: kind, Value: 1}
}

// WithQuality returns a copy of s carrying the given quality score.
func (s Sample) WithQuality(q float64) Sample {
	s.Quality = &q
	return s
}

// Key returns the (timestamp, kind) identity of the sample.
func (s Sample) Key() Key {
	return Key{Timestamp: s.Timestamp.UnixNano(), Kind: s.Kind}
}

// Validate checks the sample can be stored. Absent optional fields are not
// errors.
func (s Sample) Validate() error {
	if s.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(s.Kind))
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return ErrNonFinite
	}
	if s.Kind == KindAccelerometer {
		for _, c := range []float64{s.Accel.X, s.Accel.Y, s.Accel.Z} {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return ErrNonFinite
			}
		}
	}
	if s.Quality != nil {
		q := *s.Quality
		if math.IsNaN(q) || q < 0 || q > 1 {
			return fmt.Errorf("%w: %v", ErrQualityRange, q)
		}
	}
	return nil
}

// IsFlagged reports whether an event sample marks an occurrence.
func (s Sample) IsFlagged() bool {
	return s.Kind.IsEvent() && s.Value != 0
}

// Less orders samples by timestamp, then by kind.
func Less(a, b Sample) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Kind < b.Kind
}

// Compare returns -1, 0 or 1 following Less. Equal identities compare as 0.
func Compare(a, b Sample) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	default:
		return 0
	}
}
