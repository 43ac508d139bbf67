package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"guidance-engine/internal/observability"
)

func Router(h *GuidanceHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(observability.Measure)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/identify", h.Identify)
		r.Get("/contents", h.List)
		r.Route("/contents/{contentID}", func(r chi.Router) {
			r.Get("/snapshot", h.Snapshot)
			r.Post("/start", h.Start)
			r.Post("/dismiss", h.Dismiss)
		})
		r.Post("/checklists/{contentID}/items/{itemID}/click", h.ClickItem)
		r.Post("/checklists/{contentID}/expand", h.Expand)
		r.Post("/launchers/{contentID}/activate", h.ActivateLauncher)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}
