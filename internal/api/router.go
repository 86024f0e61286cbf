// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pelorus-nav/pelorus/internal/config"
)

// NewRouter builds the admin router. Health and metrics are unthrottled
// so probes and scrapers never trip the limiter; everything under
// /api/v1 shares one IP-keyed rate limit.
func NewRouter(cfg *config.ServerConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         86400,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimit(cfg))

		r.Get("/status", h.Status)
		r.Get("/positions", h.Positions)

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", h.Sources)
			r.Post("/{name}/reset", h.ResetSource)
		})

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/stats", h.DLQStats)
			r.Get("/entries", h.DLQEntries)
			r.Post("/retry", h.DLQRetry)
			r.Delete("/dead", h.DLQPurgeDead)
		})

		r.Post("/breakers/{name}/reset", h.ResetBreaker)
	})

	return r
}

func rateLimit(cfg *config.ServerConfig) func(http.Handler) http.Handler {
	reqs := cfg.RateLimitReqs
	if reqs <= 0 {
		reqs = 100
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(reqs, window, httprate.WithKeyFuncs(httprate.KeyByIP))
}
