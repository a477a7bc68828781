// Package main implements the entry point for the Bookshelf API server,
// which catalogs users' books, their cover images and ratings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/phrazzld/bookshelf-api/internal/config"
	"github.com/phrazzld/bookshelf-api/internal/platform/logger"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the configuration")
	migrateCmd := flag.String("migrate", "", "run database migrations and exit: up, down, status or version")
	flag.Parse()

	if err := run(*envFile, *migrateCmd); err != nil {
		fmt.Fprintf(os.Stderr, "bookshelf-api: %v\n", err)
		os.Exit(1)
	}
}

// run loads configuration and either executes a migration command or
// serves the API until SIGINT or SIGTERM.
func run(envFile, migrateCmd string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Info("server configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel),
		slog.String("database_driver", cfg.Database.Driver),
		slog.Bool("cache_enabled", cfg.Cache.RedisURL != ""))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if migrateCmd != "" {
		return runMigrationCommand(ctx, cfg, migrateCmd, log)
	}

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.cleanup()

	return app.serve(ctx)
}
