// Package devicelink moves samples from a producer (a connected device, a
// replay file or the simulator) into the sample log.
package devicelink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/samplelog"
	"github.com/oralable/oralytics/internal/sensor"
)

// DefaultBuffer is the channel depth between a source and the pump.
const DefaultBuffer = 256

// Sink accepts samples. *samplelog.Log implements it.
type Sink interface {
	Append(s sensor.Sample) error
}

// Source produces samples until it is exhausted or ctx is done. Run must not
// close out; the caller owns the channel.
type Source interface {
	Run(ctx context.Context, out chan<- sensor.Sample) error
}

// PumpStats counts what happened to the samples a pump received.
type PumpStats struct {
	Received int64
	Accepted int64
	TooOld   int64
	Rejected int64
}

type counters struct {
	received, accepted, tooOld, rejected atomic.Int64
}

func (c *counters) stats() PumpStats {
	return PumpStats{
		Received: c.received.Load(),
		Accepted: c.accepted.Load(),
		TooOld:   c.tooOld.Load(),
		Rejected: c.rejected.Load(),
	}
}

// Pump appends every sample from in to sink until in is closed or ctx is
// done. Rejected samples are counted and logged, never fatal. Pump returns
// ctx.Err() when cancelled and nil when in is drained.
func Pump(ctx context.Context, in <-chan sensor.Sample, sink Sink) (PumpStats, error) {
	var c counters
	err := pump(ctx, in, sink, &c, logger.Component("devicelink"))
	return c.stats(), err
}

func pump(ctx context.Context, in <-chan sensor.Sample, sink Sink, c *counters, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-in:
			if !ok {
				return nil
			}
			c.received.Add(1)
			err := sink.Append(s)
			switch {
			case err == nil:
				c.accepted.Add(1)
			case errors.Is(err, samplelog.ErrTooOld):
				c.tooOld.Add(1)
				log.Debug("Dropped late sample", "kind", s.Kind.String(), "timestamp", s.Timestamp)
			default:
				c.rejected.Add(1)
				log.Warn("Rejected sample", "kind", s.Kind.String(), "error", err)
			}
		}
	}
}

// Stream runs src and pumps its output into sink until src finishes or ctx
// is done. A source error cancels the pump.
func Stream(ctx context.Context, src Source, sink Sink, buffer int) (PumpStats, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan sensor.Sample, buffer)
	var c counters
	log := logger.Component("devicelink")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch)
		if err := src.Run(gctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("source failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Parent ctx: samples queued by a finished source are still drained.
		return pump(ctx, ch, sink, &c, log)
	})

	err := g.Wait()
	st := c.stats()
	log.Info("Stream finished", "received", st.Received, "accepted", st.Accepted, "too_old", st.TooOld, "rejected", st.Rejected)
	return st, err
}
