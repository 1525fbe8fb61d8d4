package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"iot-analytics/internal/models"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS device_data (
		id BIGSERIAL PRIMARY KEY,
		device_id VARCHAR(36) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		data_type VARCHAR(50) NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		unit VARCHAR(20),
		quality DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_data_timestamp ON device_data (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_device_data_key_ts ON device_data (device_id, data_type, timestamp)`,
	`CREATE TABLE IF NOT EXISTS analytics_results (
		id BIGSERIAL PRIMARY KEY,
		device_id VARCHAR(36) NOT NULL,
		analysis_type VARCHAR(50) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		result_data JSONB,
		period_start TIMESTAMPTZ,
		period_end TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_analytics_results_type_ts ON analytics_results (analysis_type, timestamp DESC)`,
}

// PostgresStore хранилище на PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создает пул соединений, проверяет доступность и создает таблицы
func NewPostgresStore(ctx context.Context, opts Options) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid PostgreSQL config: %w", err)
	}

	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	if opts.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = opts.HealthCheckPeriod
	}
	if opts.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = opts.ConnectTimeout

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create PostgreSQL pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping failed: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: failed to create schema: %w", err)
		}
	}

	slog.Info("postgres pool initialized",
		"host", poolConfig.ConnConfig.Host,
		"port", poolConfig.ConnConfig.Port,
		"database", poolConfig.ConnConfig.Database,
		"max_conns", poolConfig.MaxConns)

	return &PostgresStore{pool: pool}, nil
}

func pgPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// InsertReading сохраняет одно измерение
func (s *PostgresStore) InsertReading(ctx context.Context, r models.Reading) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO device_data (device_id, timestamp, data_type, value, unit, quality)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.DeviceID, r.Timestamp.UTC(), r.Metric, r.Value, nullString(r.Unit), nullFloat(r.Quality))
	if err != nil {
		err = fmt.Errorf("failed to insert reading: %w", err)
	}
	return observe("insert_reading", err)
}

// InsertReadings сохраняет пачку измерений через COPY
func (s *PostgresStore) InsertReadings(ctx context.Context, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"device_data"},
		[]string{"device_id", "timestamp", "data_type", "value", "unit", "quality"},
		pgx.CopyFromSlice(len(readings), func(i int) ([]any, error) {
			r := readings[i]
			return []any{r.DeviceID, r.Timestamp.UTC(), r.Metric, r.Value, nullString(r.Unit), nullFloat(r.Quality)}, nil
		}),
	)
	if err != nil {
		err = fmt.Errorf("failed to copy readings: %w", err)
	}
	return observe("insert_readings", err)
}

// Readings выбирает измерения по фильтру
func (s *PostgresStore) Readings(ctx context.Context, filter Filter) ([]models.Reading, error) {
	where := whereBuilder{placeholder: pgPlaceholder}
	if filter.DeviceID != "" {
		where.add("device_id = ?", filter.DeviceID)
	}
	if filter.Metric != "" {
		where.add("data_type = ?", filter.Metric)
	}
	if !filter.From.IsZero() {
		where.add("timestamp >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where.add("timestamp < ?", filter.To.UTC())
	}

	query := `SELECT device_id, timestamp, data_type, value, unit, quality FROM device_data` +
		where.sql() + ` ORDER BY timestamp, id`
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, where.args...)
	if err != nil {
		return nil, observe("select_readings", fmt.Errorf("failed to query readings: %w", err))
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var (
			r    models.Reading
			unit *string
		)
		if err := rows.Scan(&r.DeviceID, &r.Timestamp, &r.Metric, &r.Value, &unit, &r.Quality); err != nil {
			return nil, observe("select_readings", fmt.Errorf("failed to scan reading: %w", err))
		}
		if unit != nil {
			r.Unit = *unit
		}
		r.Timestamp = r.Timestamp.UTC()
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, observe("select_readings", fmt.Errorf("failed to iterate readings: %w", err))
	}

	return readings, observe("select_readings", nil)
}

// SaveStatWindows сохраняет окна статистики одной пачкой
func (s *PostgresStore) SaveStatWindows(ctx context.Context, windows []models.StatWindow) error {
	if len(windows) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, w := range windows {
		data, err := encodeStatWindow(w)
		if err != nil {
			return observe("save_stat_windows", err)
		}
		batch.Queue(
			`INSERT INTO analytics_results (device_id, analysis_type, timestamp, result_data, period_start, period_end)
			 VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
			w.DeviceID, AnalysisDailyStats, now, string(data), w.PeriodStart.UTC(), w.PeriodEnd.UTC())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return observe("save_stat_windows", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return observe("save_stat_windows", fmt.Errorf("failed to insert stat windows: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return observe("save_stat_windows", fmt.Errorf("failed to commit stat windows: %w", err))
	}

	return observe("save_stat_windows", nil)
}

// StatWindows выбирает сохраненные окна статистики, фильтр по времени начала окна
func (s *PostgresStore) StatWindows(ctx context.Context, filter Filter) ([]models.StatWindow, error) {
	where := whereBuilder{placeholder: pgPlaceholder}
	where.add("analysis_type = ?", AnalysisDailyStats)
	if filter.DeviceID != "" {
		where.add("device_id = ?", filter.DeviceID)
	}
	if filter.Metric != "" {
		where.add("result_data->>'metric' = ?", filter.Metric)
	}
	if !filter.From.IsZero() {
		where.add("period_start >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where.add("period_start < ?", filter.To.UTC())
	}

	query := `SELECT device_id, result_data, period_start, period_end FROM analytics_results` +
		where.sql() + ` ORDER BY period_start, id`
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, where.args...)
	if err != nil {
		return nil, observe("select_stat_windows", fmt.Errorf("failed to query stat windows: %w", err))
	}
	defer rows.Close()

	var windows []models.StatWindow
	for rows.Next() {
		var (
			deviceID   string
			data       []byte
			start, end time.Time
		)
		if err := rows.Scan(&deviceID, &data, &start, &end); err != nil {
			return nil, observe("select_stat_windows", fmt.Errorf("failed to scan stat window: %w", err))
		}
		w, err := decodeStatWindow(deviceID, data, start.UTC(), end.UTC())
		if err != nil {
			return nil, observe("select_stat_windows", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, observe("select_stat_windows", fmt.Errorf("failed to iterate stat windows: %w", err))
	}

	return windows, observe("select_stat_windows", nil)
}

// SaveAnomalyBatch сохраняет пакет аномалий одной записью
func (s *PostgresStore) SaveAnomalyBatch(ctx context.Context, b models.AnomalyBatch) error {
	data, err := encodeAnomalyBatch(b)
	if err != nil {
		return observe("save_anomaly_batch", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analytics_results (device_id, analysis_type, timestamp, result_data, period_start, period_end)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
		systemDeviceID, AnalysisAnomalies, b.CreatedAt.UTC(), string(data), b.ScanStart.UTC(), b.ScanEnd.UTC())
	if err != nil {
		err = fmt.Errorf("failed to insert anomaly batch: %w", err)
	}
	return observe("save_anomaly_batch", err)
}

// RecentAnomalyBatches возвращает последние пакеты аномалий
func (s *PostgresStore) RecentAnomalyBatches(ctx context.Context, limit int) ([]models.AnomalyBatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT result_data, timestamp, period_start, period_end FROM analytics_results
		 WHERE analysis_type = $1 ORDER BY timestamp DESC, id DESC LIMIT $2`,
		AnalysisAnomalies, limit)
	if err != nil {
		return nil, observe("select_anomaly_batches", fmt.Errorf("failed to query anomaly batches: %w", err))
	}
	defer rows.Close()

	var batches []models.AnomalyBatch
	for rows.Next() {
		var (
			data                  []byte
			createdAt, start, end time.Time
		)
		if err := rows.Scan(&data, &createdAt, &start, &end); err != nil {
			return nil, observe("select_anomaly_batches", fmt.Errorf("failed to scan anomaly batch: %w", err))
		}
		b, err := decodeAnomalyBatch(data, createdAt.UTC(), start.UTC(), end.UTC())
		if err != nil {
			return nil, observe("select_anomaly_batches", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, observe("select_anomaly_batches", fmt.Errorf("failed to iterate anomaly batches: %w", err))
	}

	return batches, observe("select_anomaly_batches", nil)
}

// Ping проверяет доступность базы
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close закрывает пул соединений
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
