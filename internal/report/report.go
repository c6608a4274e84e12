// Package report renders published windows as terminal text.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/guptarohit/asciigraph"
	"github.com/mattn/go-runewidth"
	"github.com/mitchellh/go-wordwrap"
	"golang.org/x/term"

	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/rollup"
	"github.com/oralable/oralytics/internal/sensor"
	"github.com/oralable/oralytics/internal/sufficiency"
	"github.com/oralable/oralytics/internal/trend"
)

var (
	headerFormat  = color.New(color.FgHiWhite, color.Bold).SprintFunc()
	mutedFormat   = color.New(color.FgHiBlack).SprintFunc()
	goodFormat    = color.New(color.FgGreen).SprintFunc()
	warningFormat = color.New(color.FgHiYellow).SprintFunc()
	errorFormat   = color.New(color.FgHiRed).SprintFunc()
)

// DefaultChartKinds are charted when Options.ChartKinds is empty.
var DefaultChartKinds = []sensor.Kind{sensor.KindHeartRate, sensor.KindSpO2, sensor.KindTemperature}

var chartColors = map[sensor.Kind]asciigraph.AnsiColor{
	sensor.KindHeartRate:     asciigraph.Red,
	sensor.KindSpO2:          asciigraph.Blue,
	sensor.KindTemperature:   asciigraph.Yellow,
	sensor.KindBattery:       asciigraph.Green,
	sensor.KindAccelerometer: asciigraph.Cyan,
}

// Options controls rendering.
type Options struct {
	// Width is the chart width in columns. Zero uses the terminal width.
	Width int
	// Chart draws a line chart per kind below the table.
	Chart      bool
	ChartKinds []sensor.Kind
	// Now is used for relative times; defaults to time.Now.
	Now func() time.Time
}

// Render writes a text report of snap.
func Render(w io.Writer, snap *rollup.Snapshot, opts Options) error {
	if snap == nil || snap.Window == nil {
		_, err := fmt.Fprintln(w, mutedFormat("no window computed yet"))
		return err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	width := opts.Width
	if width <= 0 {
		width = TerminalWidth()
	}
	win := snap.Window

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s → %s  %s\n",
		headerFormat(snap.Key.String()),
		win.StartDate.Local().Format("2006-01-02 15:04"),
		win.EndDate.Local().Format("2006-01-02 15:04"),
		mutedFormat(fmt.Sprintf("(%s buckets, updated %s)",
			sufficiency.FormatDuration(win.BucketWidth),
			humanize.RelTime(snap.UpdatedAt, now(), "ago", "from now"))))
	fmt.Fprintf(&b, "%s samples in %d of %d buckets\n",
		humanize.Comma(int64(win.TotalSampleCount)), len(win.PopulatedPoints()), len(win.DataPoints))
	fmt.Fprintf(&b, "verdict: %s\n\n", styleVerdict(snap.Verdict, wordwrap.WrapString(verdictText(snap.Verdict), uint(max(width-9, 20)))))

	b.WriteString(Table(win))
	b.WriteString("\n")

	if events := eventLine(win); events != "" {
		fmt.Fprintf(&b, "\nevents: %s\n", events)
	}

	if opts.Chart {
		kinds := opts.ChartKinds
		if len(kinds) == 0 {
			kinds = DefaultChartKinds
		}
		for _, k := range kinds {
			if chart := Chart(win, k, width, 8); chart != "" {
				fmt.Fprintf(&b, "\n%s\n", chart)
			}
		}
		bars, err := KindBars(win, width)
		if err != nil {
			return fmt.Errorf("failed to render sample counts: %w", err)
		}
		if bars != "" {
			fmt.Fprintf(&b, "\nsamples per kind\n%s\n", strings.TrimRight(bars, "\n"))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Verdict formats a sufficiency verdict with color.
func Verdict(v sufficiency.Verdict) string {
	return styleVerdict(v, verdictText(v))
}

func verdictText(v sufficiency.Verdict) string {
	if v.Sufficient {
		return "sufficient"
	}
	return v.Message
}

func styleVerdict(v sufficiency.Verdict, text string) string {
	switch {
	case v.Sufficient:
		return goodFormat(text)
	case v.Reason == sufficiency.ReasonNoDataCollected:
		return errorFormat(text)
	default:
		return warningFormat(text)
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Table renders per-kind averages, extremes, counts and trends. Event kinds
// are left out; see the events line.
func Table(win *metrics.AggregateWindow) string {
	var rows [][]string
	for _, k := range sensor.AllKinds() {
		if k.IsEvent() {
			continue
		}
		avg, ok := win.Average(k)
		if !ok {
			continue
		}
		st := win.Stats[k]
		tr, hasTrend := win.Trend(k)
		rows = append(rows, []string{
			k.String(), formatValue(avg), formatValue(st.Min), formatValue(st.Max),
			humanize.Comma(int64(st.Count)), trendLabel(tr, hasTrend),
		})
	}
	if len(rows) == 0 {
		rows = append(rows, []string{"-", "-", "-", "-", "0", "-"})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("KIND", "AVG", "MIN", "MAX", "N", "TREND").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

func trendLabel(r trend.Result, ok bool) string {
	if !ok {
		return mutedFormat("-")
	}
	switch r.Direction {
	case trend.Increasing:
		return fmt.Sprintf("↑ %+.2f", r.Delta)
	case trend.Decreasing:
		return fmt.Sprintf("↓ %+.2f", r.Delta)
	default:
		return "→ stable"
	}
}

func eventLine(win *metrics.AggregateWindow) string {
	var parts []string
	for _, k := range sensor.AllKinds() {
		if !k.IsEvent() {
			continue
		}
		if n, ok := win.EventCounts[k]; ok {
			parts = append(parts, fmt.Sprintf("%s %s", k, humanize.Comma(int64(n))))
		}
	}
	return strings.Join(parts, ", ")
}

func formatValue(v float64) string {
	return humanize.FtoaWithDigits(v, 2)
}

// Chart renders the bucket series of kind as a line chart. It returns an
// empty string when fewer than two buckets carry the kind.
func Chart(win *metrics.AggregateWindow, kind sensor.Kind, width, height int) string {
	series := win.Series(kind)
	if len(series) < 2 {
		return ""
	}

	graphWidth := width - 10
	if graphWidth < 20 {
		graphWidth = 20
	}
	if height < 2 {
		height = 2
	}

	opts := []asciigraph.Option{
		asciigraph.Height(height),
		asciigraph.Width(graphWidth),
		asciigraph.Caption(fmt.Sprintf("%s (%d buckets)", kind, len(series))),
	}
	if c, ok := chartColors[kind]; ok && !color.NoColor {
		opts = append(opts, asciigraph.SeriesColors(c))
	}

	return strings.TrimRight(asciigraph.Plot(series, opts...), "\n")
}

// TerminalWidth returns the width of stdout, or 80 when it is not a
// terminal.
func TerminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}

// StatusLine summarises a manager status in one line of at most width
// columns. The verdict message is truncated to fit.
func StatusLine(st rollup.Status, now time.Time, width int) string {
	parts := []string{"active " + st.Active.String(), st.State.String()}
	if st.IsUpdating {
		parts = append(parts, "updating")
	}
	if !st.LastUpdate.IsZero() {
		parts = append(parts, "updated "+humanize.RelTime(st.LastUpdate, now, "ago", "from now"))
	}
	switch {
	case st.Suspended:
		parts = append(parts, "auto-update suspended")
	case st.AutoUpdate:
		parts = append(parts, "auto-update on")
	}
	if warns, errs := logger.GetCounts(); warns+errs > 0 {
		parts = append(parts, fmt.Sprintf("log %d warn / %d error", warns, errs))
	}

	prefix := strings.Join(parts, " | ") + " | "
	text := verdictText(st.Verdict)
	if width > 0 {
		text = Fit(text, width-runewidth.StringWidth(prefix))
	}
	return prefix + styleVerdict(st.Verdict, text)
}

// Fit truncates s to width display columns.
func Fit(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
