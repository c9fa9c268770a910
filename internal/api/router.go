package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinichub/scheduling/internal/clock"
	"github.com/clinichub/scheduling/internal/observability/metrics"
	"github.com/clinichub/scheduling/internal/scheduling"
)

type RouterConfig struct {
	Service *scheduling.Service
	Clock   *clock.Clock
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Metrics *metrics.SchedulingMetrics
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))

	// Pool and redis may be nil in tests that exercise handlers against an
	// in-memory repository; only register probes that can actually probe.
	if cfg.PgPool != nil && cfg.Redis != nil {
		health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
		r.Get("/health/live", health.Liveness)
		r.Get("/health/ready", health.Readiness)
	}

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", createAppointmentHandler(cfg.Service, cfg.Clock, cfg.Metrics))
			r.Get("/", listAppointmentsHandler(cfg.Service, cfg.Clock))
			r.Get("/{id}", getAppointmentHandler(cfg.Service))
			r.Put("/{id}", editAppointmentHandler(cfg.Service, cfg.Clock))
			r.Patch("/{id}", editAppointmentHandler(cfg.Service, cfg.Clock))
			r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Service))
			r.Post("/{id}/complete", completeAppointmentHandler(cfg.Service))
			r.Post("/{id}/confirm", confirmAppointmentHandler(cfg.Service))
			r.Delete("/{id}", deleteAppointmentHandler(cfg.Service))
		})

		r.Route("/doctors/{id}/queue", func(r chi.Router) {
			r.Get("/", queueSnapshotHandler(cfg.Service, cfg.Clock))
			r.Post("/call-next", callNextHandler(cfg.Service, cfg.Metrics))
		})
		r.Get("/queues", allQueuesHandler(cfg.Service, cfg.Clock))

		r.Route("/booking-requests", func(r chi.Router) {
			r.Post("/", submitBookingRequestHandler(cfg.Service, cfg.Clock, cfg.Metrics))
			r.Get("/", listBookingRequestsHandler(cfg.Service))
			r.Post("/{id}/approve", approveBookingRequestHandler(cfg.Service))
			r.Post("/{id}/reject", rejectBookingRequestHandler(cfg.Service))
		})
	})

	return r
}
