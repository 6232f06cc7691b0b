package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"stackvm/internal/engine"
	"stackvm/internal/logging"
	"stackvm/internal/server"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	var (
		addr    string
		workers int
		backlog int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with a background worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := prometheus.NewRegistry()
			metrics.MustRegister(collectors.NewGoCollector())

			a, err := newApp(ctx, flags, metrics)
			if err != nil {
				return err
			}
			defer a.Close()

			queue := engine.NewQueue(a.engine, workers, backlog, logging.NewComponentLogger("queue"))
			queue.Start(ctx)
			defer queue.Shutdown()

			srv := server.New(server.Options{
				Engine:  a.engine,
				Store:   a.store,
				Queue:   queue,
				Config:  a.cfg,
				Logger:  logging.NewComponentLogger("server"),
				Metrics: metrics,
			})
			return srv.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent task workers")
	cmd.Flags().IntVar(&backlog, "queue-size", 64, "queued task backlog")
	return cmd
}
