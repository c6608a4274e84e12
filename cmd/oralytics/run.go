package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/oralable/oralytics/internal/devicelink"
	"github.com/oralable/oralytics/internal/engine"
	"github.com/oralable/oralytics/internal/export"
	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/report"
	"github.com/oralable/oralytics/internal/rollup"
	"github.com/oralable/oralytics/internal/sensor"
)

type runOptions struct {
	replay   string
	speed    float64
	rebase   string
	simulate bool
	backfill time.Duration
	interval time.Duration
	seed     uint64
	limit    int

	rangeName string
	offset    int
	chart     bool
	quiet     bool
	follow    bool
	controls  bool
}

// newRunCmd creates the run subcommand
func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest samples and keep the active window current",
		Long: `Run ingests samples from a replay file or the simulator, persists them and
re-renders the active window whenever it is recomputed.

When stdin is a terminal, single-letter commands change the selection:
` + controlsHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			if !engine.Interactive() {
				return engine.RunService(func(ctx context.Context) error {
					o.controls = false
					return runEngine(ctx, o, io.Discard)
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			o.controls = o.controls && term.IsTerminal(int(os.Stdin.Fd()))
			err := runEngine(ctx, o, os.Stdout)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	addRunFlags(cmd.Flags(), o)
	return cmd
}

// addRunFlags binds the source and display flags to o.
func addRunFlags(f *pflag.FlagSet, o *runOptions) {
	f.StringVar(&o.replay, "replay", "", "replay samples from a JSON lines file (.zst and .lz4 are decompressed)")
	f.Float64Var(&o.speed, "speed", 0, "replay pacing as a multiple of the recorded rate (0 = as fast as possible)")
	f.StringVar(&o.rebase, "rebase", "", "shift the replay so its first sample lands at this time (now, RFC 3339 or -2h)")
	f.BoolVar(&o.simulate, "simulate", false, "ingest a synthetic device stream")
	f.DurationVar(&o.backfill, "backfill", 0, "with --simulate, first generate this much history ending now")
	f.DurationVar(&o.interval, "interval", devicelink.DefaultSimInterval, "simulator tick interval")
	f.Uint64Var(&o.seed, "seed", 0, "simulator seed (0 = random)")
	f.IntVar(&o.limit, "limit", 0, "stop the simulator after this many ticks (0 = unlimited)")
	f.StringVarP(&o.rangeName, "range", "r", "", "active time range (default metrics.default_range)")
	f.IntVarP(&o.offset, "offset", "o", 0, "active period offset (0 = current, -1 = previous)")
	f.BoolVar(&o.chart, "chart", false, "draw charts under each window")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "do not print windows")
	f.BoolVar(&o.follow, "follow", false, "keep serving after the source is exhausted")
	f.BoolVar(&o.controls, "controls", true, "read selection commands from stdin")
}

func (o *runOptions) validate() error {
	switch {
	case o.replay == "" && !o.simulate:
		return errors.New("one of --replay or --simulate is required")
	case o.replay != "" && o.simulate:
		return errors.New("--replay and --simulate are mutually exclusive")
	case o.backfill < 0:
		return errors.New("--backfill must be positive")
	case o.speed < 0:
		return errors.New("--speed must be >= 0")
	case o.interval <= 0:
		return errors.New("--interval must be positive")
	}
	return nil
}

// sourceArgs returns the flags that reproduce this source, for service
// installation.
func (o *runOptions) sourceArgs() []string {
	var args []string
	if o.replay != "" {
		args = append(args, "--replay", o.replay)
		if o.speed > 0 {
			args = append(args, "--speed", strconv.FormatFloat(o.speed, 'f', -1, 64))
		}
		if o.rebase != "" {
			args = append(args, "--rebase", o.rebase)
		}
	}
	if o.simulate {
		args = append(args, "--simulate")
		if o.interval != devicelink.DefaultSimInterval {
			args = append(args, "--interval", o.interval.String())
		}
		if o.seed != 0 {
			args = append(args, "--seed", strconv.FormatUint(o.seed, 10))
		}
	}
	if o.rangeName != "" {
		args = append(args, "--range", o.rangeName)
	}
	return append(args, "--quiet", "--follow")
}

// source builds the configured device-link source. release closes the
// replay file.
func (o *runOptions) source(now time.Time) (src devicelink.Source, name string, release func(), err error) {
	if o.replay != "" {
		f, err := export.Open(o.replay)
		if err != nil {
			return nil, "", nil, err
		}
		opts := []devicelink.ReplayOption{devicelink.WithSpeed(o.speed)}
		rebase, err := parseInstant(o.rebase, now)
		if err != nil {
			f.Close()
			return nil, "", nil, err
		}
		if !rebase.IsZero() {
			opts = append(opts, devicelink.WithRebase(rebase))
		}
		return devicelink.NewReplaySource(f, opts...), "replay:" + o.replay, func() { f.Close() }, nil
	}

	opts := []devicelink.SimOption{
		devicelink.WithInterval(o.interval),
		devicelink.WithLimit(o.limit),
	}
	if o.seed != 0 {
		opts = append(opts, devicelink.WithSeed(o.seed))
	}
	if o.backfill > 0 {
		return &backfilledSimulator{
			history: devicelink.NewSimulator(append(opts,
				devicelink.WithBackfill(now.Add(-o.backfill)),
				devicelink.WithLimit(int(o.backfill/o.interval)))...),
			live: devicelink.NewSimulator(opts...),
		}, "simulate", func() {}, nil
	}
	return devicelink.NewSimulator(opts...), "simulate", func() {}, nil
}

// backfilledSimulator generates history up to now and then continues live.
type backfilledSimulator struct {
	history, live *devicelink.Simulator
}

func (b *backfilledSimulator) Run(ctx context.Context, out chan<- sensor.Sample) error {
	if err := b.history.Run(ctx, out); err != nil {
		return err
	}
	return b.live.Run(ctx, out)
}

// runEngine is the ingestion loop shared by the foreground command and the
// service host. Windows are rendered to w.
func runEngine(ctx context.Context, o *runOptions, w io.Writer) error {
	src, name, release, err := o.source(time.Now())
	if err != nil {
		return err
	}
	defer release()

	e, err := openEngine(ctx, engine.WithSourceName(name))
	if err != nil {
		return err
	}
	defer logger.Close()
	defer e.Stop()

	m := e.Manager()
	r, err := resolveRange(e, o.rangeName)
	if err != nil {
		return err
	}
	if err := m.SelectTimeRange(r); err != nil {
		return err
	}
	if o.offset != 0 {
		m.SelectOffset(o.offset)
	}

	if err := e.Start(ctx); err != nil {
		return err
	}

	opts := report.Options{Width: report.TerminalWidth(), Chart: o.chart}
	unsubscribe := func() {}
	if !o.quiet {
		_, unsubscribe = m.SubscribeActive(func(snap *rollup.Snapshot) {
			fmt.Fprintln(w)
			if err := report.Render(w, snap, opts); err != nil {
				logger.Warn("Failed to render window", "error", err)
			}
		})
	}
	defer unsubscribe()
	m.Refresh()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		stats, err := e.Ingest(gctx, src)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "source %s finished: %s accepted, %s too old, %s rejected\n",
			name,
			humanize.Comma(stats.Accepted),
			humanize.Comma(stats.TooOld),
			humanize.Comma(stats.Rejected))
		if replay, ok := src.(*devicelink.ReplaySource); ok && replay.Skipped() > 0 {
			fmt.Fprintf(os.Stderr, "skipped %d malformed lines\n", replay.Skipped())
		}
		if o.follow {
			<-gctx.Done()
			return nil
		}
		cancel()
		return nil
	})
	if o.controls {
		g.Go(func() error {
			return runControls(gctx, m, os.Stdin, w)
		})
	}

	err = g.Wait()
	if errors.Is(err, errQuit) {
		err = nil
	}
	if err != nil || ctx.Err() != nil {
		return err
	}

	// The source finished on its own: show the final state of the active
	// window before shutting down.
	if !o.quiet {
		unsubscribe()
		active := m.Active()
		fctx, fcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer fcancel()
		m.Invalidate(active.Range, active.Offset)
		snap, err := e.Summary(fctx, active.Range, active.Offset)
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		return report.Render(w, snap, opts)
	}
	return nil
}
