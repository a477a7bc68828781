package main

import (
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/bookshelf-api/internal/api"
	apiMiddleware "github.com/phrazzld/bookshelf-api/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))
	r.Use(apiMiddleware.CORS)
	r.Use(app.metrics.InstrumentHandler)

	authHandler := api.NewAuthHandler(app.userService, app.jwtService, app.logger)
	bookHandler := api.NewBookHandler(app.bookService, app.pipeline, api.BookHandlerConfig{
		PublicBaseURL:  app.config.Server.PublicBaseURL,
		MaxUploadBytes: int64(app.config.Server.MaxUploadMB) << 20,
	}, app.logger)
	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)

	r.Route("/api", func(r chi.Router) {
		// Authentication endpoints (public)
		r.Post("/auth/signup", authHandler.Signup)
		r.Post("/auth/login", authHandler.Login)

		r.Route("/books", func(r chi.Router) {
			// Public reads
			r.Get("/", bookHandler.List)
			r.Get("/bestrating", bookHandler.TopRated)
			r.Get("/{id}", bookHandler.Get)

			// Protected routes
			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.Authenticate)
				r.Post("/", bookHandler.Create)
				r.Put("/{id}", bookHandler.Update)
				r.Delete("/{id}", bookHandler.Delete)
				r.Post("/{id}/rating", bookHandler.Rate)
			})
		})
	})

	r.Handle("/images/*", http.StripPrefix("/images/", imageFileServer(app.pipeline.Dir())))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", slog.String("error", err.Error()))
		}
	})

	r.Method(http.MethodGet, "/metrics", app.metrics.Handler())

	return r
}

// imageFileServer serves stored cover images read-only. Directory listings
// and in-progress files (dot-prefixed) are hidden.
func imageFileServer(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}
