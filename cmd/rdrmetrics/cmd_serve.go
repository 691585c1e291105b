package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkoziy/rdr/metricscache/internal/api"
	"github.com/mkoziy/rdr/metricscache/internal/ratelimit"
	"github.com/mkoziy/rdr/metricscache/internal/scheduler"
	"github.com/mkoziy/rdr/metricscache/internal/service"
)

const shutdownTimeout = 15 * time.Second

func (e *rootEnv) serveCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the metrics API and run the nightly refresh.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.runServe(cmd.Context(), !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API only; refreshes are run elsewhere.")
	return cmd
}

func (e *rootEnv) runServe(ctx context.Context, withScheduler bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := e.open(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := service.New(a.db, a.logger, service.OptionsFromConfig(a.cfg))
	if err != nil {
		return err
	}

	liveCfg, err := a.cfg.Get(ratelimit.PolicyLiveQueries)
	if err != nil {
		a.logger.Warn("using default live query rate limit", zap.Error(err))
	}
	live := ratelimit.NewKeyed(liveCfg)

	ctrl := api.NewController(svc, live, a.db.PingContext, a.logger)
	if ctrl.TrustedProxies, err = a.cfg.Server.TrustedProxyPrefixes(); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      ctrl.NewRouter(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	var sched *scheduler.Scheduler
	if withScheduler {
		sched, err = scheduler.New(svc, svc.Ledger(), a.logger, scheduler.Options{
			RefreshSpec:       a.cfg.Refresh.CronSpec,
			WatchdogSpec:      a.cfg.Refresh.WatchdogCronSpec,
			StuckRunThreshold: a.cfg.Refresh.StuckRunThreshold,
			Live:              live,
		})
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}
	return g.Wait()
}
