package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/repositories"
)

// calendarCmd fills the calendar table. Production calendars are loaded
// externally; this is for development databases.
func (e *rootEnv) calendarCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Populate the calendar table for a date range.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			from, err := models.ParseDate(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			to := models.NewDate(time.Now())
			if end != "" {
				if to, err = models.ParseDate(end); err != nil {
					return fmt.Errorf("--end: %w", err)
				}
			}

			n, err := repositories.PopulateCalendar(cmd.Context(), a.db, from, to)
			if err != nil {
				return err
			}
			a.logger.Info("calendar populated", zap.Stringer("start", from), zap.Stringer("end", to), zap.Int("days", n))
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "2017-05-30", "First day (YYYY-MM-DD).")
	cmd.Flags().StringVar(&end, "end", "", "Last day (YYYY-MM-DD). Defaults to today.")
	return cmd
}
