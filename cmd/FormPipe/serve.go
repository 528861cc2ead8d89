package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTreeMap/FormPipe/internal/bootstrap"
	"github.com/spf13/cobra"
)

func newServeCmd(config *bootstrap.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long:  `Starts the admin and public session API, the Twilio webhook when configured, and /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *config)
		},
	}
	cmd.Flags().StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	return cmd
}

func serve(ctx context.Context, config bootstrap.Config) error {
	config.LockStateDir = true
	slog.Info("Bootstrapping FormPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", config.StateDir, "store", config.ResolvedStoreKind(),
		"dsn_set", config.DBDSN != "", "api_addr", config.APIAddr)

	app, err := bootstrap.Build(ctx, config)
	if err != nil {
		slog.Error("FormPipe failed to start", "error", err)
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			slog.Error("FormPipe shutdown failed", "error", err)
		}
	}()

	if err := app.Server.Run(ctx); err != nil {
		slog.Error("FormPipe failed to run", "error", err)
		return err
	}
	slog.Info("FormPipe exited successfully")
	return nil
}
