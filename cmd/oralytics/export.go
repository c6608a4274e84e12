package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/oralable/oralytics/internal/export"
	"github.com/oralable/oralytics/internal/logger"
)

// newExportCmd creates the export subcommand
func newExportCmd() *cobra.Command {
	var (
		rangeName   string
		offset      int
		raw         bool
		format      string
		compression string
		out         string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a window or its raw samples as CSV or JSON",
		Long: `Export writes the window for one range and period, one row per bucket, or
with --raw the samples inside it. Raw JSON is written as JSON lines that
import and run --replay read back. Use --out - for stdout.`,
		Example: `  oralytics export --range day --out today.csv
  oralytics export --range week --offset -1 --raw --format json --compress zstd --out last-week`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			c, err := export.ParseCompression(compression)
			if err != nil {
				return err
			}
			if out == "" {
				return errors.New("--out is required")
			}
			if out == "-" && c != export.CompressionNone {
				return errors.New("compressed output needs a file")
			}

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

			if raw {
				samples, _, err := e.Samples(ctx, r, offset)
				if err != nil {
					return err
				}
				if out == "-" {
					_, err := export.WriteSamples(os.Stdout, samples, f)
					return err
				}
				res, err := export.Samples(out, samples, f, c)
				if err != nil {
					return err
				}
				printResult(res)
				return nil
			}

			snap, err := e.Summary(ctx, r, offset)
			if err != nil {
				return err
			}
			if out == "-" {
				_, err := export.WriteWindow(os.Stdout, snap.Window, f)
				return err
			}
			res, err := export.Window(out, snap.Window, f, c)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&rangeName, "range", "r", "", "time range (default metrics.default_range)")
	cmd.Flags().IntVarP(&offset, "offset", "o", 0, "period offset (0 = current, -1 = previous)")
	cmd.Flags().BoolVar(&raw, "raw", false, "export raw samples instead of buckets")
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format: csv or json")
	cmd.Flags().StringVar(&compression, "compress", "none", "compression: none, zstd or lz4")
	cmd.Flags().StringVar(&out, "out", "", "output path; extensions are added when missing")
	return cmd
}

func printResult(res *export.Result) {
	fmt.Printf("wrote %s rows (%s) to %s\n", humanize.Comma(int64(res.Rows)), humanize.Bytes(uint64(res.Bytes)), res.Path)
}
