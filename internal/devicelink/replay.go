package devicelink

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/sensor"
)

const maxLineSize = 1 << 20

// ReplaySource streams samples from JSON lines (see sensor.Record). Blank
// lines and lines starting with '#' are skipped. Malformed lines are logged
// and skipped.
type ReplaySource struct {
	r      io.Reader
	speed  float64
	rebase time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	log    *slog.Logger

	skipped int
}

// ReplayOption configures a ReplaySource.
type ReplayOption func(*ReplaySource)

// WithSpeed paces the replay at speed times the recorded rate. Zero (the
// default) replays as fast as the consumer accepts.
func WithSpeed(speed float64) ReplayOption {
	return func(s *ReplaySource) {
		s.speed = speed
	}
}

// WithRebase shifts every timestamp so the first sample lands at t.
func WithRebase(t time.Time) ReplayOption {
	return func(s *ReplaySource) {
		s.rebase = t
	}
}

// NewReplaySource creates a replay over r.
func NewReplaySource(r io.Reader, opts ...ReplayOption) *ReplaySource {
	s := &ReplaySource{
		r:     r,
		sleep: sleepCtx,
		log:   logger.Component("replay"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Skipped returns the number of malformed lines Run skipped. Read it after
// Run returns.
func (s *ReplaySource) Skipped() int {
	return s.skipped
}

// Run implements Source.
func (s *ReplaySource) Run(ctx context.Context, out chan<- sensor.Sample) error {
	var (
		first, prev time.Time
		shift       time.Duration
	)
	return scanLines(s.r, func(n int, line []byte) error {
		sample, err := sensor.ParseRecord(line)
		if err != nil {
			s.skipped++
			s.log.Warn("Skipping malformed line", "line", n, "error", err)
			return nil
		}

		if first.IsZero() {
			first = sample.Timestamp
			if !s.rebase.IsZero() {
				shift = s.rebase.Sub(first)
			}
		} else if s.speed > 0 {
			if gap := sample.Timestamp.Sub(prev); gap > 0 {
				if err := s.sleep(ctx, time.Duration(float64(gap)/s.speed)); err != nil {
					return err
				}
			}
		}
		prev = sample.Timestamp
		sample.Timestamp = sample.Timestamp.Add(shift)

		select {
		case out <- sample:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// ReadAll decodes every line of r. Unlike Run it fails on the first
// malformed line.
func ReadAll(r io.Reader) ([]sensor.Sample, error) {
	var samples []sensor.Sample
	err := scanLines(r, func(n int, line []byte) error {
		s, err := sensor.ParseRecord(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		samples = append(samples, s)
		return nil
	})
	return samples, err
}

func scanLines(r io.Reader, fn func(n int, line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read samples: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
