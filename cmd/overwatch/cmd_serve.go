package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/yairfalse/overwatch/internal/api"
	"github.com/yairfalse/overwatch/internal/daemon"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scan and reap schedules",
	Long: `Run Overwatch as a service.

Serves the HTTP API, exports Prometheus metrics, and runs the background
jobs: periodic scans of every bound account, periodic reaping of expired
resources, and compaction of old tombstones. Set scanner.interval or
reaper.interval to 0 to disable a job.`,
	Example: `  overwatch serve --config overwatch.toml
  overwatch serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	metrics, err := daemon.NewMetrics(a.telemetry.Meter())
	if err != nil {
		return err
	}
	d, err := daemon.New(daemon.Config{
		ScanInterval: a.cfg.Scanner.Interval,
		ReapInterval: a.cfg.Reaper.Interval,
		TombstoneTTL: a.cfg.Storage.TombstoneTTL,
	}, a.manager, a.store.Records,
		daemon.WithLogger(a.log.With().Str("component", "daemon").Logger()),
		daemon.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	srv := api.NewServer(a.manager,
		api.WithLogger(a.log.With().Str("component", "api").Logger()),
		api.WithHealth(d),
		api.WithLocation(a.cfg.Query.Location),
	)
	apiServer := &http.Server{
		Addr:              a.cfg.API.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(serveHTTP(a, "api", apiServer))
	g.Add(serveHTTP(a, "metrics", metricsServer))
	{
		dctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(dctx)
		}, func(error) {
			cancel()
		})
	}

	a.log.Info().
		Str("version", version).
		Str("api", a.cfg.API.Addr).
		Str("metrics", a.cfg.Metrics.Addr).
		Str("provider", a.cfg.Scanner.Provider).
		Msg("overwatch starting")

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		a.log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

func serveHTTP(a *app, name string, srv *http.Server) (func() error, func(error)) {
	return func() error {
			a.log.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				a.log.Warn().Err(err).Str("server", name).Msg("shutdown failed")
			}
		}
}
