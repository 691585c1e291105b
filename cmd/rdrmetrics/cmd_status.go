package main

import (
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mkoziy/rdr/metricscache/internal/metricscache"
	"github.com/mkoziy/rdr/metricscache/internal/models"
)

func (e *rootEnv) statusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the most recent metrics cache runs.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			ledger := metricscache.NewJobStatusDAO(a.db, a.cfg.Refresh.CarryForward())
			runs, err := ledger.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), runs, time.Now())
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show.")
	return cmd
}

// printStatus renders ledger rows as a table, newest first.
func printStatus(w io.Writer, runs []*models.MetricsCacheJobStatus, now time.Time) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Table", "Type", "Generation", "State", "Updated", "Error"})
	table.SetAutoWrapText(false)
	for _, r := range runs {
		errMsg := ""
		if r.ErrorMessage != nil {
			errMsg = truncate(*r.ErrorMessage, 60)
		}
		table.Append([]string{
			r.RunID,
			strings.TrimSuffix(strings.TrimPrefix(r.CacheTableName, "metrics_"), "_cache"),
			r.Type,
			r.DateInserted.UTC().Format(time.RFC3339),
			string(r.State()),
			humanize.RelTime(r.UpdatedAt, now, "ago", "from now"),
			errMsg,
		})
	}
	table.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
