package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/report"
	"github.com/oralable/oralytics/internal/rollup"
)

const controlsHelp = `  minute|hour|day|week|month (or min/h/d/w/mo)  select range
  [ / ]   previous / next period
  r       refresh now
  a       toggle auto-update
  p       pause / resume auto-update
  c       clear cached windows
  s       print status
  q       quit`

var errQuit = errors.New("quit")

// controller is the selection surface of the rollup manager.
type controller interface {
	SelectTimeRange(r metrics.TimeRange) error
	SelectOffset(delta int) bool
	Refresh()
	StartAutoUpdate()
	StopAutoUpdate()
	Suspend()
	Resume()
	ClearAllMetrics()
	Status() rollup.Status
}

// runControls applies one command per input line until ctx is done, in is
// exhausted or the user quits.
func runControls(ctx context.Context, m controller, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg, err := applyControl(m, line, time.Now())
			if msg != "" {
				fmt.Fprintln(out, msg)
			}
			if err != nil {
				return err
			}
		}
	}
}

// applyControl executes one command and returns the text to show.
func applyControl(m controller, line string, now time.Time) (string, error) {
	cmd := strings.TrimSpace(line)
	switch cmd {
	case "":
		return "", nil
	case "q", "quit", "exit":
		return "", errQuit
	case "?", "help":
		return controlsHelp, nil
	case "[":
		m.SelectOffset(-1)
		return "→ " + m.Status().Active.String(), nil
	case "]":
		if !m.SelectOffset(1) {
			return "already at the current period", nil
		}
		return "→ " + m.Status().Active.String(), nil
	case "r":
		m.Refresh()
		return "refreshing", nil
	case "a":
		if m.Status().AutoUpdate {
			m.StopAutoUpdate()
			return "auto-update off", nil
		}
		m.StartAutoUpdate()
		return "auto-update on", nil
	case "p":
		if m.Status().Suspended {
			m.Resume()
			return "auto-update resumed", nil
		}
		m.Suspend()
		return "auto-update paused", nil
	case "c":
		m.ClearAllMetrics()
		return "cleared cached windows", nil
	case "s":
		return report.StatusLine(m.Status(), now, report.TerminalWidth()), nil
	}

	r, err := metrics.ParseTimeRange(cmd)
	if err != nil {
		return fmt.Sprintf("unknown command %q (? for help)", cmd), nil
	}
	if err := m.SelectTimeRange(r); err != nil {
		return err.Error(), nil
	}
	return "→ " + m.Status().Active.String(), nil
}
