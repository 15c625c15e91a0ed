// Package server собирает HTTP API эталонного сервера записей.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/iudanet/tasksync/internal/server/handlers"
	"github.com/iudanet/tasksync/internal/server/middleware"
	"github.com/iudanet/tasksync/internal/server/storage"
)

// Config параметры роутера
type Config struct {
	JWT        handlers.JWTConfig
	Version    string
	RateLimit  int // RateLimit запросов за RateWindow на клиента; 0 отключает ограничение
	RateWindow time.Duration
}

// NewRouter создает chi роутер с endpoint'ами /api/{collection}[/{id}] и /api/health
func NewRouter(cfg Config, entityStorage storage.EntityStorage, pinger handlers.Pinger, logger *slog.Logger, opts ...handlers.EntityOption) http.Handler {
	entities := handlers.NewEntityHandler(logger, entityStorage, opts...)
	health := handlers.NewHealthHandler(logger, pinger, cfg.Version)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RecoveryMiddleware(logger))
	r.Use(middleware.LoggingMiddleware(logger, "/api/health"))

	r.Get("/api/health", health.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(logger, cfg.JWT))
		if cfg.RateLimit > 0 {
			window := cfg.RateWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(cfg.RateLimit, window), logger))
		}

		r.Route("/api/{collection}", func(r chi.Router) {
			r.Get("/", entities.List)
			r.Post("/", entities.Create)
			r.Get("/{id}", entities.Get)
			r.Put("/{id}", entities.Update)
			r.Delete("/{id}", entities.Delete)
		})
	})

	return r
}
