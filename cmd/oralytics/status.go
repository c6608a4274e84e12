package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/oralable/oralytics/internal/engine"
	"github.com/oralable/oralytics/internal/logger"
	"github.com/oralable/oralytics/internal/report"
	"github.com/oralable/oralytics/internal/storage/sqlite"
)

// statusOutput is the --json form of the status command.
type statusOutput struct {
	Database string               `json:"database"`
	Service  string               `json:"service"`
	Writer   *engine.RunStatus    `json:"writer,omitempty"`
	Healthy  bool                 `json:"healthy"`
	Kinds    []sqlite.KindSummary `json:"kinds"`
}

// newStatusCmd creates the status subcommand
func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored data and the process writing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer logger.Close()
			defer e.Stop()

			now := time.Now()
			kinds, err := e.Store().Summary(ctx)
			if err != nil {
				return err
			}

			out := statusOutput{
				Database: e.DBPath(),
				Service:  engine.ServiceState(),
				Kinds:    kinds,
			}
			if running, _, err := engine.Running(e.DBPath()); err == nil && running {
				// A writer is expected to persist at least every other interval.
				healthy, st, err := e.Status().IsHealthy(ctx, now, 2*e.Config().Storage.PersistInterval)
				if err != nil {
					return err
				}
				out.Writer = st
				out.Healthy = healthy
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			fmt.Print(report.StorageTree(out.Database, kinds, e.Log().Stats(), now))
			fmt.Printf("service: %s\n", out.Service)
			fmt.Println(writerLine(out.Writer, out.Healthy, now))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print status as JSON")
	return cmd
}

func writerLine(st *engine.RunStatus, healthy bool, now time.Time) string {
	if st == nil {
		return "writer: none"
	}
	health := "healthy"
	if !healthy {
		health = "stale"
	}
	line := fmt.Sprintf("writer: pid %d (%s) %s, up %s, last persist %s, %s accepted, %s persisted",
		st.PID,
		st.Source,
		health,
		humanize.RelTime(st.StartTime, now, "", ""),
		humanize.RelTime(st.LastPersist, now, "ago", "from now"),
		humanize.Comma(st.Accepted),
		humanize.Comma(st.Persisted))
	if st.ErrorCount > 0 {
		line += fmt.Sprintf(", %d errors (last: %s)", st.ErrorCount, st.LastError)
	}
	return line
}
