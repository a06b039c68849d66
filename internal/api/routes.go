package api

import (
	"log/slog"
	"net/http"
	"time"

	"whisper.box/config"
	"whisper.box/web"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRouter(s Store, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	h := NewHandler(s, cfg, logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(Logger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS
	r.Use(CORS(CORSConfig{
		AllowedOrigins: []string{cfg.Server.BaseURL},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         86400,
	}))

	// Health
	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		reveal := passThrough
		if cfg.RateLimit.Enabled {
			apiLimiter := NewRateLimiter(cfg.RateLimit.RequestsPerMin, time.Minute)
			revealLimiter := NewRateLimiter(cfg.RateLimit.RevealPerMin, time.Minute)

			r.Use(apiLimiter.Middleware)
			reveal = revealLimiter.Middleware
		}

		r.Route("/confessions", func(r chi.Router) {
			r.Get("/", h.ListConfessions)
			r.With(JSONOnly).Post("/", h.CreateConfession)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", h.ListMessages)
			r.With(JSONOnly).Post("/", h.CreateMessage)
			r.Get("/options", h.ExpiryOptions)
			r.Get("/{id}", h.PreviewMessage)
			r.With(reveal).Post("/{id}/reveal", h.RevealMessage)
		})
	})

	// Frontend
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(web.StaticFS())))
	r.Get("/", h.Index)
	r.Get("/create", h.CreatePage)
	r.Get("/view/{id}", h.ViewPage)

	return r
}

func passThrough(next http.Handler) http.Handler { return next }
