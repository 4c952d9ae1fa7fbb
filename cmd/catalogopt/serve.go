package main

import (
	"github.com/arkilian/catalogopt/internal/api/http"
	"github.com/arkilian/catalogopt/internal/config"
	"github.com/arkilian/catalogopt/internal/optimize"
	"github.com/arkilian/catalogopt/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled optimizations and serve the HTTP API",
		Long: `Runs the optimizer every daemon.interval and serves:

  GET  /health
  POST /trigger?site=&catalog=&index=[&wait=true]
  GET  /report
  GET  /runs?limit=
  GET  /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(flags, func(cfg *config.Config) {
				if addr != "" {
					cfg.HTTP.Addr = addr
				}
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := optimize.NewMetrics(reg)

			var snapshotter optimize.Snapshotter
			if e.cfg.Daemon.SnapshotBeforeRun {
				snap, err := e.snapshotter(ctx)
				if err != nil {
					e.Close()
					return err
				}
				snapshotter = snap
			}

			orch := optimize.NewOrchestrator(e.store.NewConn(), e.cfg.OptimizeOptions(), e.store, e.logger, metrics)
			daemon := optimize.NewDaemon(e.cfg.DaemonConfig(), orch, e.store, snapshotter, e.logger)
			api := http.NewAPI(ctx, daemon, e.store, reg, e.logger)

			srv := server.New(server.Config{
				Addr:         e.cfg.HTTP.Addr,
				ReadTimeout:  e.cfg.HTTP.ReadTimeout,
				WriteTimeout: e.cfg.HTTP.WriteTimeout,
				IdleTimeout:  e.cfg.HTTP.IdleTimeout,
			}, api.Handler(), daemon, e.logger)
			srv.RegisterCloser(e)

			e.logger.WithFields(logrus.Fields{
				"addr":     e.cfg.HTTP.Addr,
				"store":    e.cfg.StorePath,
				"interval": e.cfg.Daemon.Interval.String(),
				"filter":   e.cfg.DaemonConfig().Filter.String(),
				"version":  version,
			}).Info("Starting catalogopt daemon")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config, :8090)")
	return cmd
}
