package httpx

import (
	"net/http"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// NewRouter returns the base router every service mounts its handlers on.
func NewRouter(service string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(hlog.NewHandler(log.Logger), accessLog)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware(service))
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

var accessLog = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
	if r.URL.Path == "/healthz" {
		return
	}
	hlog.FromRequest(r).Info().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", d).
		Msg("request")
})
