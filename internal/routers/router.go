package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"coide/internal/api"
	"coide/internal/metrics"
)

// New mounts the REST API, the metrics endpoint and the realtime socket.
// The socket route sits outside the timeout middleware so long-lived
// connections are not cut off.
func New(h *api.Handlers, gw *api.Gateway, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		metrics.Middleware("realtime"),
		cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", gw.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/healthz", h.Health)
		r.Get("/languages", h.ListLanguages)
		r.Get("/rooms/{id}/presence", h.Presence)
		r.Get("/rtc/config", h.RTCConfig)
		r.Post("/run", h.Run)
	})

	return r
}
