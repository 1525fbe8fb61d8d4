package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iot-analytics/internal/metrics"
)

// NewRouter собирает маршруты сервиса
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(instrument)

		r.Get("/health", h.HealthCheck)
		r.Post("/readings", h.CreateReading)
		r.Post("/readings/batch", h.CreateReadingsBatch)
		r.Get("/realtime", h.Realtime)
		r.Get("/historical", h.Historical)
		r.Get("/anomalies", h.Anomalies)
		r.Get("/devices/{deviceID}/analytics", h.DeviceAnalytics)
		r.Get("/stats/daily", h.DailyStats)
		r.Get("/stats", h.Stats)
	})

	if h.stream != nil {
		r.Handle("/ws", h.stream)
	}

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// instrument считает запросы и их длительность по шаблону маршрута
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
