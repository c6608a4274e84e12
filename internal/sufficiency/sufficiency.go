// Package sufficiency decides whether an aggregate window holds enough data
// to be charted, and explains why when it does not.
package sufficiency

import (
	"fmt"
	"strings"
	"time"

	"github.com/oralable/oralytics/internal/metrics"
)

// Reason identifies which rule rejected a window. Rules are checked in the
// order declared.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonNoDataCollected means the sample source has never produced data.
	ReasonNoDataCollected
	ReasonNoData
	ReasonTooFewPoints
	ReasonSpanTooShort
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "sufficient"
	case ReasonNoDataCollected:
		return "no_data_collected"
	case ReasonNoData:
		return "no_data"
	case ReasonTooFewPoints:
		return "too_few_points"
	case ReasonSpanTooShort:
		return "span_too_short"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Verdict is the outcome of evaluating one window.
type Verdict struct {
	Sufficient bool   `json:"sufficient"`
	Reason     Reason `json:"reason"`
	Message    string `json:"message,omitempty"`

	Points      int           `json:"points"`
	Span        time.Duration `json:"span"`
	MinimumSpan time.Duration `json:"minimum_span"`
}

func (v Verdict) String() string {
	if v.Sufficient {
		return "sufficient"
	}
	return v.Message
}

const (
	msgNoDataCollected = "no data collected yet; connect your device"
	msgNoData          = "no data in range"
	msgTooFewPoints    = "need at least 2 points"
)

// NoDataCollected is the verdict used when the upstream source has never
// delivered a sample.
func NoDataCollected() Verdict {
	return Verdict{Reason: ReasonNoDataCollected, Message: msgNoDataCollected}
}

// Evaluator applies the sufficiency rules using the minimum spans configured
// in a catalog.
type Evaluator struct {
	catalog *metrics.Catalog
}

// NewEvaluator creates an Evaluator. A nil catalog uses the defaults.
func NewEvaluator(c *metrics.Catalog) *Evaluator {
	if c == nil {
		c = metrics.DefaultCatalog()
	}
	return &Evaluator{catalog: c}
}

// MinimumSpan returns the configured minimum span for r, falling back to the
// built-in value for ranges the catalog does not carry.
func (e *Evaluator) MinimumSpan(r metrics.TimeRange) time.Duration {
	if spec, err := e.catalog.Spec(r); err == nil {
		return spec.MinimumSpan
	}
	return r.DefaultMinimumSpan()
}

// Evaluate checks w against the rules for r. Only buckets that received
// samples count as points; empty placeholders do not.
func (e *Evaluator) Evaluate(w *metrics.AggregateWindow, r metrics.TimeRange) Verdict {
	minSpan := e.MinimumSpan(r)
	if w == nil || w.TotalSampleCount == 0 || len(w.DataPoints) == 0 {
		return Verdict{Reason: ReasonNoData, Message: msgNoData, MinimumSpan: minSpan}
	}

	points := w.PopulatedPoints()
	if len(points) == 0 {
		return Verdict{Reason: ReasonNoData, Message: msgNoData, MinimumSpan: minSpan}
	}
	if len(points) == 1 {
		return Verdict{Reason: ReasonTooFewPoints, Message: msgTooFewPoints, Points: 1, MinimumSpan: minSpan}
	}

	span := points[len(points)-1].Timestamp.Sub(points[0].Timestamp)
	v := Verdict{Points: len(points), Span: span, MinimumSpan: minSpan}
	if span < minSpan {
		v.Reason = ReasonSpanTooShort
		v.Message = fmt.Sprintf("only %s of data, need at least %s for a %s view",
			FormatDuration(span), FormatDuration(minSpan), r)
		return v
	}

	v.Sufficient = true
	return v
}

// FormatDuration renders d compactly, e.g. "29s", "5m", "1h30m", "2d4h".
// Sub-second remainders are dropped unless d is shorter than a second.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "-" + FormatDuration(-d)
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	d = d.Truncate(time.Second)
	units := []struct {
		size   time.Duration
		suffix string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	}

	var b strings.Builder
	for _, u := range units {
		if n := d / u.size; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, u.suffix)
			d -= n * u.size
		}
	}
	return b.String()
}
