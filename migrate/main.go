package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/DeafMist/dataracy/backend/internal/config"
	"github.com/DeafMist/dataracy/backend/internal/dataset"
	"github.com/DeafMist/dataracy/backend/internal/logger"
	"github.com/DeafMist/dataracy/backend/internal/migrations"
)

func main() {
	log := logger.New("migrate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCmd(log).ExecuteContext(ctx); err != nil {
		log.Error("migrate failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func newRootCmd(log *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the dataset database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Migrate, pool *pgxpool.Pool) error {
				return migrations.Up(ctx, pool, cfg.Table, log)
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Migrate, pool *pgxpool.Pool) error {
				return migrations.Down(ctx, pool, cfg.Table, steps, log)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the embedded migration files without connecting",
		RunE: func(*cobra.Command, []string) error {
			if err := migrations.Validate(migrations.Files()); err != nil {
				return err
			}
			log.Info("migration files are valid")
			return nil
		},
	}

	root.AddCommand(up, down, validate)
	return root
}

func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Migrate, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadMigrate()
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	pool, err := dataset.Connect(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}
