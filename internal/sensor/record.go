package sensor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the JSON line form of a sample used by replay files, imports and
// raw exports:
//
//	{"ts":"2025-07-01T12:00:00Z","kind":"heart_rate","value":72}
//	{"ts":"2025-07-01T12:00:00Z","kind":"accelerometer","accel":{"x":0,"y":0,"z":16384}}
type Record struct {
	TS      time.Time `json:"ts"`
	Kind    Kind      `json:"kind"`
	Value   *float64  `json:"value,omitempty"`
	Accel   *Vector3  `json:"accel,omitempty"`
	Quality *float64  `json:"quality,omitempty"`
}

// RecordOf converts a sample to its line form.
func RecordOf(s Sample) Record {
	r := Record{TS: s.Timestamp, Kind: s.Kind, Quality: s.Quality}
	if s.Kind == KindAccelerometer {
		a := s.Accel
		r.Accel = &a
		return r
	}
	v := s.Value
	r.Value = &v
	return r
}

// Sample converts the record back to a validated sample. An accelerometer
// record without a value takes the magnitude of its vector; an event record
// without a value is a flagged occurrence.
func (r Record) Sample() (Sample, error) {
	s := Sample{Timestamp: r.TS, Kind: r.Kind, Quality: r.Quality}
	switch {
	case r.Kind == KindAccelerometer && r.Accel != nil:
		s = NewAccelSample(r.TS, *r.Accel)
		s.Quality = r.Quality
		if r.Value != nil {
			s.Value = *r.Value
		}
	case r.Value != nil:
		s.Value = *r.Value
	case r.Kind.IsEvent():
		s.Value = 1
	default:
		return Sample{}, fmt.Errorf("%s record at %s has no value", r.Kind, r.TS.Format(time.RFC3339))
	}
	if err := s.Validate(); err != nil {
		return Sample{}, err
	}
	return s, nil
}

// ParseRecord decodes one JSON line into a sample.
func ParseRecord(line []byte) (Sample, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Sample{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return r.Sample()
}
