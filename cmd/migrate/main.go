package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/teamgate/internal/app/migrate"
	"github.com/splax/teamgate/pkg/config"
	"github.com/splax/teamgate/pkg/logger"
)

var (
	timeout time.Duration
	target  int64

	rootCmd = &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the teamgate Postgres schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	upCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, r migrate.Runner) error {
				return r.Ensure(ctx)
			})
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, r migrate.Runner) error {
				return r.Status(ctx)
			})
		},
	}

	downCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration, or down to --target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, r migrate.Runner) error {
				return r.Down(ctx, target)
			})
		},
	}
)

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")
	downCmd.Flags().Int64Var(&target, "target", 0, "version to roll back to (default: previous)")
	rootCmd.AddCommand(upCmd, statusCmd, downCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.New("migrate", slog.LevelInfo).Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func withRunner(ctx context.Context, fn func(context.Context, migrate.Runner) error) error {
	cfg, err := config.LoadMigrateConfig()
	if err != nil {
		return err
	}
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		pool.Close()
		return err
	}
	defer runner.Close()

	if err := runner.Ping(ctx); err != nil {
		return err
	}
	return fn(ctx, runner)
}
