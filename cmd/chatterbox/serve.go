package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/chatterbox-api/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			slog.Info("starting chatterbox-api",
				slog.String("engine", cfg.Engine.Kind),
				slog.Int("concurrency", cfg.Gateway.Concurrency),
				slog.String("data_dir", cfg.Storage.DataDir),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return server.New(cfg, slog.Default()).Start(ctx)
		},
	}
}
