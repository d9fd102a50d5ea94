package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/park285/mc-authbridge/internal/app"
	"github.com/park285/mc-authbridge/internal/config"
	"github.com/park285/mc-authbridge/internal/database"
	"github.com/park285/mc-authbridge/internal/obslog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "authbridge",
		Short: "Web <-> game account linking bridge",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := obslog.InitFromEnv(); err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) { obslog.Sync() },
		SilenceUsage:      true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var migrateFirst bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, inbound consumers and the sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log := obslog.L()
			if migrateFirst && cfg.DatabaseURL != "" {
				if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
					return err
				}
				log.Info("migrations_applied")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			deps, err := app.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			log.Info("authbridge_starting",
				zap.String("addr", cfg.HTTPAddr),
				zap.String("primary", cfg.TransportPrimary),
				zap.String("secondary", cfg.TransportSecondary),
				zap.String("correlation", cfg.CorrelationBackend))
			return deps.Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := os.Getenv("DATABASE_URL")
			if url == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			if err := database.RunMigrations(url); err != nil {
				return err
			}
			v, dirty, err := database.Version(url)
			if err != nil {
				return err
			}
			obslog.L().Info("migrations_applied", zap.Uint("version", v), zap.Bool("dirty", dirty))
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", v, dirty)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			deps, err := app.NewForMaintenance(ctx, cfg, obslog.L())
			if err != nil {
				return err
			}
			defer deps.Close(context.Background())

			rep, err := deps.Sweeper.Once(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "records=%d requeued=%d\n", rep.Records, rep.Requeued)
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}
