package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries what the router needs besides the handlers.
type RouterConfig struct {
	Logger         *slog.Logger
	Sessions       SessionParser
	Gatherer       prometheus.Gatherer
	RateRPS        float64
	RateBurst      int
	RequestTimeout time.Duration
}

// NewRouter builds the API routes.
func NewRouter(h *Handler, conf RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(Logger(conf.Logger))
	r.Use(CORS)
	if conf.RequestTimeout > 0 {
		r.Use(Timeout(conf.RequestTimeout))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "requested resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", HealthCheck)
	if conf.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(conf.Gatherer, promhttp.HandlerOpts{}))
	}

	limit := RateLimit(conf.RateRPS, conf.RateBurst)

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(chimiddleware.RequestSize(maxBodyBytes))
		r.Use(Authenticate(conf.Logger, conf.Sessions))

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Get("/{id}", h.GetEvent)
			r.With(limit).Post("/{id}/register", h.Register)
			r.Get("/{id}/pass", h.EventPass)
			r.Get("/{id}/attendance", h.ListAttendance)
		})

		r.Route("/passes", func(r chi.Router) {
			r.Get("/", h.ListPasses)
			r.With(limit).Post("/redeem", h.RedeemCredential)
			r.Get("/{id}", h.GetPass)
			r.Get("/{id}/qr.png", h.PassImage)
			r.With(limit).Post("/{id}/redeem", h.RedeemPass)
		})

		r.Get("/me", h.GetProfile)
		r.Put("/me", h.UpsertProfile)
	})

	return r
}
