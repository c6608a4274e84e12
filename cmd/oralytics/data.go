package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/oralable/oralytics/internal/devicelink"
	"github.com/oralable/oralytics/internal/export"
	"github.com/oralable/oralytics/internal/logger"
)

// newImportCmd creates the import subcommand
func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.jsonl>...",
		Short: "Load recorded samples into storage",
		Long: `Import reads JSON lines samples ({"ts", "kind", "value", "accel", "quality"})
and stores them. Files ending in .zst or .lz4 are decompressed. Unlike run
--replay, import rejects the whole file on the first malformed line and
ignores the reorder window, so old recordings can be loaded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer logger.Close()
			defer e.Stop()

			for _, path := range args {
				f, err := export.Open(path)
				if err != nil {
					return err
				}
				samples, err := devicelink.ReadAll(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}

				n, err := e.Import(ctx, samples)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s samples read, %s new\n", path, humanize.Comma(int64(len(samples))), humanize.Comma(n))
			}
			return nil
		},
	}
}

// newPruneCmd creates the prune subcommand
func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete stored samples older than storage.retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer logger.Close()
			defer e.Stop()

			n, err := e.Prune(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %s samples older than %s\n", humanize.Comma(n), e.Config().Storage.Retention)
			return nil
		},
	}
}

// newClearCmd creates the clear subcommand
func newClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete all samples without --yes")
			}
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer logger.Close()
			defer e.Stop()

			if err := e.Clear(ctx); err != nil {
				return err
			}
			fmt.Println("all samples deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
