package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/taskforge/internal/api/middleware"
	"github.com/phrazzld/taskforge/internal/api/shared"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the HTTP routes. A nil gatherer leaves /metrics unmounted.
func NewRouter(engine Engine, logger *slog.Logger, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.NewTraceMiddleware(logger))
	r.Use(middleware.Recoverer)

	h := NewTaskHandler(engine)

	r.Route("/api", func(r chi.Router) {
		r.Post("/operations", h.SubmitBatch)
		r.Get("/operations/{id}", h.GetOperation)
		r.Post("/operations/{id}/cancel", h.CancelOperation)

		r.Get("/tasks/{id}", h.GetTask)

		r.Route("/workers/{workerID}", func(r chi.Router) {
			r.Post("/claim", h.ClaimNext)
			r.Post("/tasks/{id}/start", h.StartTask)
			r.Post("/tasks/{id}/outcome", h.ReportOutcome)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
