package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_request_total",
			Help: "Total number of analytics HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration продолжительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_request_duration_seconds",
			Help:    "Analytics service request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// ReadingsReceived принятые измерения
	ReadingsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_readings_received_total",
			Help: "Total number of readings accepted for storage",
		},
	)

	// AnomaliesDetected обнаруженные аномалии
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_anomalies_detected_total",
			Help: "Total number of anomalous readings detected",
		},
		[]string{"metric"},
	)

	// GroupsSkipped группы, пропущенные при поиске аномалий
	GroupsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_groups_skipped_total",
			Help: "Total number of reading groups skipped by anomaly detection",
		},
		[]string{"reason"},
	)

	// StatWindowsComputed посчитанные окна статистики
	StatWindowsComputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_stat_windows_computed_total",
			Help: "Total number of statistic windows computed",
		},
	)

	// JobRuns запуски периодических задач
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_job_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"job", "status"},
	)

	// JobDuration длительность периодических задач
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_job_duration_seconds",
			Help:    "Scheduled job duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"job"},
	)

	// RedisOperations операции с Redis
	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_redis_operations_total",
			Help: "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)

	// StoreOperations операции с базой данных
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_store_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	// CacheRequests обращения к кэшу
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_cache_requests_total",
			Help: "Cache lookups by result",
		},
		[]string{"cache_type", "result"},
	)

	// StreamClients подключенные WebSocket клиенты
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analytics_stream_clients",
			Help: "Number of connected anomaly stream clients",
		},
	)
)
