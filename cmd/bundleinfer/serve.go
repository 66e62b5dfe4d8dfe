package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/example/go-bundleinfer/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bundleinfer HTTP server",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			a, err := newApp(cfg, slog.Default())
			if err != nil {
				return err
			}
			if a.registry == nil {
				_ = a.Close()
				return fmt.Errorf("bundles dir %q not found", cfg.Paths.BundlesDir)
			}

			models := server.NewModels(a.service, a.registry)
			srv := server.New(cfg, server.Deps{
				Service:  a.service,
				Models:   models,
				Metrics:  a.metrics.Handler(),
				Reloader: a.registry,
				Logger:   a.logger,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = srv.Start(ctx)
			closeErr := a.Close()
			models.Close()
			return errors.Join(err, closeErr)
		},
	}

	return cmd
}
