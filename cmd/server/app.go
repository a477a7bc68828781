package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/bookshelf-api/internal/config"
	"github.com/phrazzld/bookshelf-api/internal/images"
	"github.com/phrazzld/bookshelf-api/internal/platform/memory"
	"github.com/phrazzld/bookshelf-api/internal/platform/metrics"
	"github.com/phrazzld/bookshelf-api/internal/platform/postgres"
	"github.com/phrazzld/bookshelf-api/internal/platform/rediscache"
	"github.com/phrazzld/bookshelf-api/internal/service"
	"github.com/phrazzld/bookshelf-api/internal/service/auth"
	"github.com/phrazzld/bookshelf-api/internal/store"
	"github.com/redis/go-redis/v9"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	// Optional backends, nil when not configured
	db    *sql.DB
	redis *redis.Client

	metrics  *metrics.Metrics
	pipeline *images.Pipeline

	userStore store.UserStore
	bookStore store.BookStore

	jwtService  auth.JWTService
	userService service.UserService
	bookService service.BookService
}

// newApplication wires stores, the image pipeline, the optional cache and the
// services according to cfg.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	if err := app.setupStores(ctx); err != nil {
		app.cleanup()
		return nil, err
	}

	if err := app.setupServices(ctx); err != nil {
		app.cleanup()
		return nil, err
	}

	return app, nil
}

func (app *application) setupStores(ctx context.Context) error {
	switch app.config.Database.Driver {
	case "memory":
		app.logger.Warn("using in-memory store, data is lost on restart")
		app.userStore = memory.NewUserStore()
		app.bookStore = memory.NewBookStore()
		return nil

	case "postgres":
		db, err := openDatabase(ctx, app.config.Database, app.logger)
		if err != nil {
			return err
		}
		app.db = db

		if app.config.Database.AutoMigrate {
			if err := migrate(ctx, db, "up", app.logger); err != nil {
				return err
			}
		}

		app.userStore = postgres.NewPostgresUserStore(db, app.logger)
		app.bookStore = postgres.NewPostgresBookStore(db, app.logger)
		return nil

	default:
		return fmt.Errorf("unsupported database driver %q", app.config.Database.Driver)
	}
}

func (app *application) setupServices(ctx context.Context) error {
	pipeline, err := images.NewPipeline(app.config.Images, app.logger,
		images.WithCleanupHook(func() { app.metrics.ImageCleanupFailed("staged") }))
	if err != nil {
		return fmt.Errorf("failed to set up image pipeline: %w", err)
	}
	app.pipeline = pipeline

	jwtService, err := auth.NewJWTService(app.config.Auth)
	if err != nil {
		return fmt.Errorf("failed to create JWT service: %w", err)
	}
	app.jwtService = jwtService

	userService, err := service.NewUserService(app.userStore, auth.NewBcryptHasher(app.config.Auth.BCryptCost), app.logger)
	if err != nil {
		return fmt.Errorf("failed to create user service: %w", err)
	}
	app.userService = userService

	opts := []service.BookServiceOption{service.WithBookMetrics(app.metrics)}
	if app.config.Cache.RedisURL != "" {
		client, err := rediscache.Connect(ctx, app.config.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.redis = client
		ttl := time.Duration(app.config.Cache.TTLSeconds) * time.Second
		opts = append(opts, service.WithTopRatedCache(rediscache.New(client, ttl, app.logger)))
		app.logger.Info("top-rated cache enabled", slog.Duration("ttl", ttl))
	}

	bookService, err := service.NewBookService(app.bookStore, pipeline, app.logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create book service: %w", err)
	}
	app.bookService = bookService

	return nil
}

// cleanup releases external connections. It is safe to call on a partially
// initialized application.
func (app *application) cleanup() {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("failed to close redis client", slog.String("error", err.Error()))
		}
		app.redis = nil
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", slog.String("error", err.Error()))
		}
		app.db = nil
	}
}
