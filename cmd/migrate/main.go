package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wicketx/settlement-engine/internal/config"
	"github.com/wicketx/settlement-engine/internal/observability"
	"github.com/wicketx/settlement-engine/internal/store"
)

func usage() {
	fmt.Println("Usage: migrate <up|down>")
	fmt.Println("  up   - apply all pending migrations")
	fmt.Println("  down - roll back the last migration")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DATABASE_URL - Postgres connection string (required)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, "settlement-migrate", cfg.AppEnv)
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	migrator := store.NewMigrator(pool, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Error("migrate up", "err", err)
			os.Exit(1)
		}
		logger.Info("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Error("migrate down", "err", err)
			os.Exit(1)
		}
		logger.Info("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
