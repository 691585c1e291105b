package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/service"
)

// refreshEnv provides the environment for the refresh command.
type refreshEnv struct {
	*rootEnv
	stage       int
	cronjobTime string
}

func (e *rootEnv) refreshCmd() *cobra.Command {
	env := &refreshEnv{rootEnv: e}
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run a metrics cache refresh now.",
		Long: `
Without --stage a full cycle runs: staging, stage one, stage two, cleanup.
--stage 1 or --stage 2 runs a single stage against fresh staging tables. A
separate stage two must use the --cronjob-time of the stage one it completes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&env.stage, "stage", 0, "Run only stage 1 or 2 (0 runs the full cycle).")
	cmd.Flags().StringVar(&env.cronjobTime, "cronjob-time", "", "RFC 3339 time identifying the cycle. Defaults to now.")
	return cmd
}

func (e *refreshEnv) run(ctx context.Context) (err error) {
	now := time.Now().UTC()
	if e.cronjobTime != "" {
		if now, err = time.Parse(time.RFC3339, e.cronjobTime); err != nil {
			return fmt.Errorf("--cronjob-time: %w", err)
		}
	}
	if e.stage < 0 || e.stage > 2 {
		return fmt.Errorf("--stage must be 0, 1 or 2, got %d", e.stage)
	}

	a, err := e.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := service.New(a.db, a.logger, service.OptionsFromConfig(a.cfg))
	if err != nil {
		return err
	}

	if e.stage == 0 {
		return svc.RunRefreshCycle(ctx, now)
	}

	stageOne, stageTwo := svc.CycleRequests(now)
	req := stageOne
	if e.stage == 2 {
		req = stageTwo
	}

	if err := svc.InitTmpTables(ctx); err != nil {
		return err
	}
	defer func() {
		if cErr := svc.CleanTmpTables(context.WithoutCancel(ctx)); cErr != nil {
			a.logger.Error("clean tmp tables", zap.Error(cErr))
			if err == nil {
				err = cErr
			}
		}
	}()

	a.logger.Info("running single refresh stage",
		zap.Stringer("stage", req.Stage),
		zap.Stringer("start", req.Start),
		zap.Stringer("end", req.End),
		zap.Time("cronjob_time", req.CronjobTime),
	)
	return svc.RefreshMetricsCacheData(ctx, req)
}
