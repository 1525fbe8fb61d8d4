package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	// SQLite драйвер на чистом Go
	_ "modernc.org/sqlite"

	"iot-analytics/internal/models"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS device_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		data_type TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT,
		quality REAL
	);
	CREATE INDEX IF NOT EXISTS idx_device_data_timestamp ON device_data (timestamp);
	CREATE INDEX IF NOT EXISTS idx_device_data_key_ts ON device_data (device_id, data_type, timestamp);

	CREATE TABLE IF NOT EXISTS analytics_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		analysis_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		result_data TEXT,
		period_start INTEGER,
		period_end INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_analytics_results_type_ts ON analytics_results (analysis_type, timestamp);
`

// SQLiteStore хранилище на SQLite, время хранится в наносекундах Unix
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore открывает файл базы и создает таблицы
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "analytics.db"
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open SQLite database: %w", err)
	}

	// SQLite допускает одного писателя
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func sqlitePlaceholder(int) string {
	return "?"
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

const sqliteInsertReading = `INSERT INTO device_data (device_id, timestamp, data_type, value, unit, quality)
	VALUES (?, ?, ?, ?, ?, ?)`

// InsertReading сохраняет одно измерение
func (s *SQLiteStore) InsertReading(ctx context.Context, r models.Reading) error {
	_, err := s.db.ExecContext(ctx, sqliteInsertReading,
		r.DeviceID, toNanos(r.Timestamp), r.Metric, r.Value, nullString(r.Unit), nullFloat(r.Quality))
	if err != nil {
		err = fmt.Errorf("failed to insert reading: %w", err)
	}
	return observe("insert_reading", err)
}

// InsertReadings сохраняет пачку измерений в одной транзакции
func (s *SQLiteStore) InsertReadings(ctx context.Context, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return observe("insert_readings", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteInsertReading)
	if err != nil {
		return observe("insert_readings", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx,
			r.DeviceID, toNanos(r.Timestamp), r.Metric, r.Value, nullString(r.Unit), nullFloat(r.Quality)); err != nil {
			return observe("insert_readings", fmt.Errorf("failed to insert reading: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return observe("insert_readings", fmt.Errorf("failed to commit readings: %w", err))
	}
	return observe("insert_readings", nil)
}

// Readings выбирает измерения по фильтру
func (s *SQLiteStore) Readings(ctx context.Context, filter Filter) ([]models.Reading, error) {
	where := whereBuilder{placeholder: sqlitePlaceholder}
	if filter.DeviceID != "" {
		where.add("device_id = ?", filter.DeviceID)
	}
	if filter.Metric != "" {
		where.add("data_type = ?", filter.Metric)
	}
	if !filter.From.IsZero() {
		where.add("timestamp >= ?", toNanos(filter.From))
	}
	if !filter.To.IsZero() {
		where.add("timestamp < ?", toNanos(filter.To))
	}

	query := `SELECT device_id, timestamp, data_type, value, unit, quality FROM device_data` +
		where.sql() + ` ORDER BY timestamp, id`
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, observe("select_readings", fmt.Errorf("failed to query readings: %w", err))
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var (
			r       models.Reading
			ts      int64
			unit    sql.NullString
			quality sql.NullFloat64
		)
		if err := rows.Scan(&r.DeviceID, &ts, &r.Metric, &r.Value, &unit, &quality); err != nil {
			return nil, observe("select_readings", fmt.Errorf("failed to scan reading: %w", err))
		}
		r.Timestamp = fromNanos(ts)
		r.Unit = unit.String
		if quality.Valid {
			q := quality.Float64
			r.Quality = &q
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, observe("select_readings", fmt.Errorf("failed to iterate readings: %w", err))
	}

	return readings, observe("select_readings", nil)
}

const sqliteInsertResult = `INSERT INTO analytics_results (device_id, analysis_type, timestamp, result_data, period_start, period_end)
	VALUES (?, ?, ?, ?, ?, ?)`

// SaveStatWindows сохраняет окна статистики в одной транзакции
func (s *SQLiteStore) SaveStatWindows(ctx context.Context, windows []models.StatWindow) error {
	if len(windows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return observe("save_stat_windows", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	now := toNanos(time.Now())
	for _, w := range windows {
		data, err := encodeStatWindow(w)
		if err != nil {
			return observe("save_stat_windows", err)
		}
		if _, err := tx.ExecContext(ctx, sqliteInsertResult,
			w.DeviceID, AnalysisDailyStats, now, string(data), toNanos(w.PeriodStart), toNanos(w.PeriodEnd)); err != nil {
			return observe("save_stat_windows", fmt.Errorf("failed to insert stat window: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return observe("save_stat_windows", fmt.Errorf("failed to commit stat windows: %w", err))
	}
	return observe("save_stat_windows", nil)
}

// StatWindows выбирает сохраненные окна статистики, фильтр по времени начала окна
func (s *SQLiteStore) StatWindows(ctx context.Context, filter Filter) ([]models.StatWindow, error) {
	where := whereBuilder{placeholder: sqlitePlaceholder}
	where.add("analysis_type = ?", AnalysisDailyStats)
	if filter.DeviceID != "" {
		where.add("device_id = ?", filter.DeviceID)
	}
	if filter.Metric != "" {
		where.add("json_extract(result_data, '$.metric') = ?", filter.Metric)
	}
	if !filter.From.IsZero() {
		where.add("period_start >= ?", toNanos(filter.From))
	}
	if !filter.To.IsZero() {
		where.add("period_start < ?", toNanos(filter.To))
	}

	query := `SELECT device_id, result_data, period_start, period_end FROM analytics_results` +
		where.sql() + ` ORDER BY period_start, id`
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, observe("select_stat_windows", fmt.Errorf("failed to query stat windows: %w", err))
	}
	defer rows.Close()

	var windows []models.StatWindow
	for rows.Next() {
		var (
			deviceID   string
			data       string
			start, end int64
		)
		if err := rows.Scan(&deviceID, &data, &start, &end); err != nil {
			return nil, observe("select_stat_windows", fmt.Errorf("failed to scan stat window: %w", err))
		}
		w, err := decodeStatWindow(deviceID, []byte(data), fromNanos(start), fromNanos(end))
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
func (s *SQLiteStore) SaveAnomalyBatch(ctx context.Context, b models.AnomalyBatch) error {
	data, err := encodeAnomalyBatch(b)
	if err != nil {
		return observe("save_anomaly_batch", err)
	}

	_, err = s.db.ExecContext(ctx, sqliteInsertResult,
		systemDeviceID, AnalysisAnomalies, toNanos(b.CreatedAt), string(data), toNanos(b.ScanStart), toNanos(b.ScanEnd))
	if err != nil {
		err = fmt.Errorf("failed to insert anomaly batch: %w", err)
	}
	return observe("save_anomaly_batch", err)
}

// RecentAnomalyBatches возвращает последние пакеты аномалий
func (s *SQLiteStore) RecentAnomalyBatches(ctx context.Context, limit int) ([]models.AnomalyBatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_data, timestamp, period_start, period_end FROM analytics_results
		 WHERE analysis_type = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		AnalysisAnomalies, limit)
	if err != nil {
		return nil, observe("select_anomaly_batches", fmt.Errorf("failed to query anomaly batches: %w", err))
	}
	defer rows.Close()

	var batches []models.AnomalyBatch
	for rows.Next() {
		var (
			data                  string
			createdAt, start, end int64
		)
		if err := rows.Scan(&data, &createdAt, &start, &end); err != nil {
			return nil, observe("select_anomaly_batches", fmt.Errorf("failed to scan anomaly batch: %w", err))
		}
		b, err := decodeAnomalyBatch([]byte(data), fromNanos(createdAt), fromNanos(start), fromNanos(end))
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
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает базу
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
