package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// SetupRoutes registers the session API on the router.
func SetupRoutes(router chi.Router, h *Handlers) {
	router.Get("/healthz", h.Health)
	router.Route("/api/session", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.GetSession)
		r.Delete("/", h.DeleteSession)
		r.Put("/metadata", h.UpdateMetadata)
		r.Post("/query", h.Query)
	})
}

// requestLogger logs one line per request with zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
