package report

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/xlab/treeprint"

	"github.com/oralable/oralytics/internal/metrics"
	"github.com/oralable/oralytics/internal/samplelog"
	"github.com/oralable/oralytics/internal/sensor"
	"github.com/oralable/oralytics/internal/storage/sqlite"
)

// StorageTree renders what the store and the in-memory log hold as a tree.
func StorageTree(path string, stored []sqlite.KindSummary, mem samplelog.Stats, now time.Time) string {
	tree := treeprint.New()
	tree.SetValue(headerFormat("oralytics"))

	db := tree.AddBranch(fmt.Sprintf("store %s", path))
	if len(stored) == 0 {
		db.AddNode(mutedFormat("empty"))
	}
	var total int64
	for _, ks := range stored {
		total += ks.Count
		kb := db.AddBranch(fmt.Sprintf("%s: %s samples", ks.Kind, humanize.Comma(ks.Count)))
		kb.AddNode("first " + ks.First.Local().Format(time.DateTime) + " (" + humanize.RelTime(ks.First, now, "ago", "from now") + ")")
		kb.AddNode("last  " + ks.Last.Local().Format(time.DateTime) + " (" + humanize.RelTime(ks.Last, now, "ago", "from now") + ")")
	}
	if len(stored) > 0 {
		db.AddNode(fmt.Sprintf("total %s", humanize.Comma(total)))
	}

	m := tree.AddBranch("memory")
	m.AddNode(fmt.Sprintf("held %s, pending %s", humanize.Comma(int64(mem.Length)), humanize.Comma(int64(mem.Pending))))
	m.AddNode(fmt.Sprintf("accepted %s, duplicates %s, dropped %s, invalid %s",
		humanize.Comma(mem.Accepted), humanize.Comma(mem.Duplicates), humanize.Comma(mem.Dropped), humanize.Comma(mem.Invalid)))
	if !mem.Newest.IsZero() {
		m.AddNode("newest " + humanize.RelTime(mem.Newest, now, "ago", "from now"))
	}
	m.AddNode(fmt.Sprintf("rate %.2f samples/s", mem.Rate))

	return strings.TrimRight(tree.String(), "\n")
}

// KindBars renders the number of samples per kind in win as horizontal bars.
func KindBars(win *metrics.AggregateWindow, width int) (string, error) {
	counts := make(map[sensor.Kind]int)
	for _, dp := range win.DataPoints {
		for k, n := range dp.KindCounts {
			counts[k] += n
		}
	}
	if len(counts) == 0 {
		return "", nil
	}

	kinds := make([]sensor.Kind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	bars := make(pterm.Bars, 0, len(kinds))
	for _, k := range kinds {
		bars = append(bars, pterm.Bar{Label: k.String(), Value: counts[k]})
	}

	return pterm.DefaultBarChart.
		WithHorizontal().
		WithShowValue().
		WithWidth(max(width-20, 10)).
		WithBars(bars).
		Srender()
}
