package main

import (
	"github.com/spf13/cobra"

	"github.com/mkoziy/rdr/metricscache/internal/migrations"
)

func (e *rootEnv) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations.",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := e.open(cmd.Context(), true)
				if err != nil {
					return err
				}
				a.Close()
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration group.",
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := e.open(cmd.Context(), false)
				if err != nil {
					return err
				}
				defer a.Close()
				return migrations.Rollback(cmd.Context(), a.db, a.logger)
			},
		},
	)
	return cmd
}
