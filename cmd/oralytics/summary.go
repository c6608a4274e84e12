package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/report"
	"github.com/oralable/oralytics/internal/sensor"
)

// newSummaryCmd creates the summary subcommand
func newSummaryCmd() *cobra.Command {
	var (
		rangeName  string
		offset     int
		chart      bool
		jsonOutput bool
		width      int
		kinds      []string
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Compute one window from stored samples",
		Long: `Summary aggregates the stored samples for one time range and period and
prints averages, extremes, trends and the data-sufficiency verdict.`,
		Example: `  oralytics summary --range day --offset -1 --chart
  oralytics summary --range week --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer logger.Close()
			defer e.Stop()

			r, err := resolveRange(e, rangeName)
			if err != nil {
				return err
			}
			chartKinds := make([]sensor.Kind, 0, len(kinds))
			for _, name := range kinds {
				k, err := sensor.ParseKind(name)
				if err != nil {
					return err
				}
				chartKinds = append(chartKinds, k)
			}

			snap, err := e.Summary(ctx, r, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			if width <= 0 {
				width = report.TerminalWidth()
			}
			if err := report.Render(os.Stdout, snap, report.Options{Width: width, Chart: chart, ChartKinds: chartKinds}); err != nil {
				return fmt.Errorf("failed to render summary: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&rangeName, "range", "r", "", "time range: minute, hour, day, week or month (default metrics.default_range)")
	cmd.Flags().IntVarP(&offset, "offset", "o", 0, "period offset (0 = current, -1 = previous)")
	cmd.Flags().BoolVar(&chart, "chart", false, "draw a chart per kind")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "kinds to chart (default heart_rate, spo2, temperature)")
	cmd.Flags().IntVar(&width, "width", 0, "output width (default terminal width)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the window as JSON")
	return cmd
}
