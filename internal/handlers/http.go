package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"iot-analytics/internal/analytics"
	"iot-analytics/internal/cache"
	"iot-analytics/internal/metrics"
	"iot-analytics/internal/models"
	"iot-analytics/internal/storage"
)

const (
	defaultAnomalyLimit = 10
	maxAnomalyLimit     = 100
	historicalDefault   = 7 * 24 * time.Hour
	healthTimeout       = 2 * time.Second
	maxDeviceIDLen      = 36
	maxMetricLen        = 50
)

// Cache кэш realtime-среза и индекс аномалий по устройствам
type Cache interface {
	GetSnapshot(ctx context.Context) (models.RealtimeSnapshot, error)
	SetSnapshot(ctx context.Context, snapshot models.RealtimeSnapshot) error
	GetRecentAnomalies(ctx context.Context, deviceID string, limit int) ([]models.AnomalyRecord, error)
	Ping(ctx context.Context) error
	GetStats() map[string]interface{}
}

// Stream поток аномалий для WebSocket клиентов
type Stream interface {
	http.Handler
	Clients() int
}

// Deps зависимости обработчиков
type Deps struct {
	Store          storage.Store
	Cache          Cache
	Stream         Stream
	Thresholds     analytics.Thresholds
	RealtimeWindow time.Duration
	Now            func() time.Time
}

// Handler обработчик HTTP запросов
type Handler struct {
	store          storage.Store
	cache          Cache
	stream         Stream
	thresholds     analytics.Thresholds
	realtimeWindow time.Duration
	now            func() time.Time
}

// NewHandler создает новый обработчик
func NewHandler(deps Deps) *Handler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		store:          deps.Store,
		cache:          deps.Cache,
		stream:         deps.Stream,
		thresholds:     deps.Thresholds,
		realtimeWindow: deps.RealtimeWindow,
		now:            now,
	}
}

// readingRequest тело запроса с измерением
type readingRequest struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Quality   *float64  `json:"quality,omitempty"`
}

// toReading проверяет запрос и превращает его в измерение
func (req readingRequest) toReading(now time.Time) (models.Reading, error) {
	switch {
	case req.DeviceID == "":
		return models.Reading{}, errors.New("device_id is required")
	case len(req.DeviceID) > maxDeviceIDLen:
		return models.Reading{}, errors.New("device_id is too long")
	case req.Metric == "":
		return models.Reading{}, errors.New("metric is required")
	case len(req.Metric) > maxMetricLen:
		return models.Reading{}, errors.New("metric is too long")
	case req.Value == nil:
		return models.Reading{}, errors.New("value is required")
	case math.IsNaN(*req.Value) || math.IsInf(*req.Value, 0):
		return models.Reading{}, errors.New("value must be finite")
	case req.Quality != nil && (*req.Quality < 0 || *req.Quality > 1):
		return models.Reading{}, errors.New("quality must be within [0, 1]")
	}

	// Устанавливаем timestamp если не указан
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}

	return models.Reading{
		DeviceID:  req.DeviceID,
		Metric:    req.Metric,
		Timestamp: ts.UTC(),
		Value:     *req.Value,
		Unit:      req.Unit,
		Quality:   req.Quality,
	}, nil
}

// CreateReading обрабатывает POST /readings
func (h *Handler) CreateReading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	reading, err := req.toReading(h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.InsertReading(r.Context(), reading); err != nil {
		slog.Error("failed to store reading", "device_id", reading.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	metrics.ReadingsReceived.Inc()
	writeJSON(w, http.StatusCreated, map[string]string{
		"status":    "accepted",
		"device_id": reading.DeviceID,
	})
}

// CreateReadingsBatch обрабатывает POST /readings/batch
func (h *Handler) CreateReadingsBatch(w http.ResponseWriter, r *http.Request) {
	var batch []readingRequest
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	now := h.now()
	readings := make([]models.Reading, 0, len(batch))
	for _, req := range batch {
		reading, err := req.toReading(now)
		if err != nil {
			continue
		}
		readings = append(readings, reading)
	}

	if err := h.store.InsertReadings(r.Context(), readings); err != nil {
		slog.Error("failed to store readings batch", "count", len(readings), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	metrics.ReadingsReceived.Add(float64(len(readings)))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":   "accepted",
		"total":    len(batch),
		"accepted": len(readings),
	})
}

// Realtime обрабатывает GET /realtime
func (h *Handler) Realtime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snapshot, err := h.cache.GetSnapshot(ctx)
	if err == nil {
		writeJSON(w, http.StatusOK, snapshot)
		return
	}
	if !errors.Is(err, cache.ErrMiss) {
		slog.Warn("realtime cache unavailable", "error", err)
	}

	now := h.now().UTC()
	readings, err := h.store.Readings(ctx, storage.Filter{From: now.Add(-h.realtimeWindow)})
	if err != nil {
		slog.Error("failed to get realtime analytics", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	snapshot = analytics.Snapshot(readings, now, h.realtimeWindow)
	if err := h.cache.SetSnapshot(ctx, snapshot); err != nil {
		slog.Warn("failed to cache realtime analytics", "error", err)
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// Historical обрабатывает GET /historical
func (h *Handler) Historical(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := h.now().UTC()

	start, err := parseTime(q.Get("start_date"), now.Add(-historicalDefault))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date")
		return
	}
	end, err := parseTime(q.Get("end_date"), now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date")
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date is before start_date")
		return
	}

	deviceID := q.Get("device_id")
	metric := q.Get("data_type")

	readings, err := h.store.Readings(r.Context(), storage.Filter{
		DeviceID: deviceID,
		Metric:   metric,
		From:     start,
		To:       end,
	})
	if err != nil {
		slog.Error("failed to get historical analytics", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, models.HistoricalAnalytics{
		Period:     models.Period{Start: start, End: end},
		DailyStats: analytics.DailyBreakdown(readings, deviceID, metric),
	})
}

// Anomalies обрабатывает GET /anomalies
func (h *Handler) Anomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	// Для конкретного устройства берем индекс из Redis
	if deviceID := q.Get("device_id"); deviceID != "" {
		anomalies, err := h.cache.GetRecentAnomalies(ctx, deviceID, limit)
		if err != nil {
			slog.Error("failed to get device anomalies", "device_id", deviceID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to retrieve anomalies")
			return
		}
		if anomalies == nil {
			anomalies = []models.AnomalyRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"device_id": deviceID,
			"anomalies": anomalies,
			"count":     len(anomalies),
		})
		return
	}

	batches, err := h.store.RecentAnomalyBatches(ctx, limit)
	if err != nil {
		slog.Error("failed to get anomalies", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	anomalies := []models.AnomalyRecord{}
	for _, b := range batches {
		anomalies = append(anomalies, b.Anomalies...)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// DeviceAnalytics обрабатывает GET /devices/{deviceID}/analytics
func (h *Handler) DeviceAnalytics(w http.ResponseWriter, r *http.Request) {
	deviceID := urlParam(r, "deviceID")

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	d, err := analytics.ParsePeriod(period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period")
		return
	}

	readings, err := h.store.Readings(r.Context(), storage.Filter{
		DeviceID: deviceID,
		From:     h.now().UTC().Add(-d),
	})
	if err != nil {
		slog.Error("failed to get device analytics", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, analytics.DeviceSummary(deviceID, period, readings))
}

// DailyStats обрабатывает GET /stats/daily
func (h *Handler) DailyStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := parseTime(q.Get("start_date"), time.Time{})
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date")
		return
	}
	to, err := parseTime(q.Get("end_date"), time.Time{})
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date")
		return
	}

	windows, err := h.store.StatWindows(r.Context(), storage.Filter{
		DeviceID: q.Get("device_id"),
		Metric:   q.Get("metric"),
		From:     from,
		To:       to,
	})
	if err != nil {
		slog.Error("failed to get daily stats", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if windows == nil {
		windows = []models.StatWindow{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stat_windows": windows,
		"count":        len(windows),
	})
}

// Stats обрабатывает GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	streamClients := 0
	if h.stream != nil {
		streamClients = h.stream.Clients()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"analyzer": map[string]interface{}{
			"zscore_threshold": h.thresholds.ZScore,
			"min_samples":      h.thresholds.MinSamples,
			"realtime_window":  h.realtimeWindow.String(),
		},
		"redis":          h.cache.GetStats(),
		"stream_clients": streamClients,
		"timestamp":      h.now().UTC(),
	})
}

// HealthCheck обрабатывает GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	dbErr := h.store.Ping(ctx)
	redisErr := h.cache.Ping(ctx)

	body := map[string]interface{}{
		"status":    "healthy",
		"database":  connState(dbErr),
		"redis":     connState(redisErr),
		"timestamp": h.now().UTC(),
	}
	status := http.StatusOK

	if dbErr != nil || redisErr != nil {
		slog.Error("health check failed", "database_error", dbErr, "redis_error", redisErr)
		body["status"] = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, body)
}

func connState(err error) string {
	if err != nil {
		return "disconnected"
	}
	return "connected"
}

// parseTime разбирает RFC3339 или дату 2006-01-02, пустая строка дает fallback
func parseTime(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultAnomalyLimit, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxAnomalyLimit {
		n = maxAnomalyLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
