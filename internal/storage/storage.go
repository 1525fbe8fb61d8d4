package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"iot-analytics/internal/metrics"
	"iot-analytics/internal/models"
)

// Типы записей в analytics_results
const (
	AnalysisDailyStats = "daily_stats"
	AnalysisAnomalies  = "anomalies"

	// systemDeviceID владелец записей с аномалиями по всем устройствам
	systemDeviceID = "system"
)

// Drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Filter условия выборки. From включительно, To не включительно, нулевые значения не ограничивают.
type Filter struct {
	DeviceID string
	Metric   string
	From     time.Time
	To       time.Time
	Limit    int
}

// Store хранилище измерений и результатов аналитики
type Store interface {
	InsertReading(ctx context.Context, reading models.Reading) error
	InsertReadings(ctx context.Context, readings []models.Reading) error
	// Readings возвращает измерения по возрастанию времени
	Readings(ctx context.Context, filter Filter) ([]models.Reading, error)

	SaveStatWindows(ctx context.Context, windows []models.StatWindow) error
	StatWindows(ctx context.Context, filter Filter) ([]models.StatWindow, error)
	SaveAnomalyBatch(ctx context.Context, batch models.AnomalyBatch) error
	// RecentAnomalyBatches возвращает последние пакеты аномалий, новые первыми
	RecentAnomalyBatches(ctx context.Context, limit int) ([]models.AnomalyBatch, error)

	Ping(ctx context.Context) error
	Close() error
}

// Options параметры подключения к хранилищу
type Options struct {
	Driver            string
	PostgresURL       string
	SQLitePath        string
	MinConns          int32
	MaxConns          int32
	ConnectTimeout    time.Duration
	HealthCheckPeriod time.Duration
}

// Open открывает хранилище выбранного драйвера и создает таблицы
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverPostgres:
		return NewPostgresStore(ctx, opts)
	case DriverSQLite:
		return NewSQLiteStore(ctx, opts.SQLitePath)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}

// statPayload содержимое result_data для daily_stats
type statPayload struct {
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Std    float64 `json:"std"`
}

// anomalyPayload содержимое result_data для anomalies
type anomalyPayload struct {
	BatchID   string         `json:"batch_id"`
	Anomalies []anomalyEntry `json:"anomalies"`
}

type anomalyEntry struct {
	DeviceID  string    `json:"device_id"`
	DataType  string    `json:"data_type"`
	Value     float64   `json:"value"`
	ZScore    float64   `json:"z_score"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeStatWindow(w models.StatWindow) ([]byte, error) {
	data, err := json.Marshal(statPayload{
		Metric: w.Metric,
		Count:  w.Count,
		Min:    w.Min,
		Max:    w.Max,
		Avg:    w.Mean,
		Std:    w.StdDev,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stat window: %w", err)
	}
	return data, nil
}

func decodeStatWindow(deviceID string, data []byte, start, end time.Time) (models.StatWindow, error) {
	var p statPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.StatWindow{}, fmt.Errorf("failed to unmarshal stat window: %w", err)
	}
	return models.StatWindow{
		DeviceID:    deviceID,
		Metric:      p.Metric,
		PeriodStart: start,
		PeriodEnd:   end,
		Count:       p.Count,
		Min:         p.Min,
		Max:         p.Max,
		Mean:        p.Avg,
		StdDev:      p.Std,
	}, nil
}

func encodeAnomalyBatch(b models.AnomalyBatch) ([]byte, error) {
	entries := make([]anomalyEntry, len(b.Anomalies))
	for i, a := range b.Anomalies {
		entries[i] = anomalyEntry{
			DeviceID:  a.DeviceID,
			DataType:  a.Metric,
			Value:     a.Value,
			ZScore:    a.ZScore,
			Timestamp: a.Timestamp,
		}
	}
	data, err := json.Marshal(anomalyPayload{BatchID: b.BatchID, Anomalies: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anomaly batch: %w", err)
	}
	return data, nil
}

func decodeAnomalyBatch(data []byte, createdAt, start, end time.Time) (models.AnomalyBatch, error) {
	var p anomalyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.AnomalyBatch{}, fmt.Errorf("failed to unmarshal anomaly batch: %w", err)
	}
	anomalies := make([]models.AnomalyRecord, len(p.Anomalies))
	for i, e := range p.Anomalies {
		anomalies[i] = models.AnomalyRecord{
			DeviceID:  e.DeviceID,
			Metric:    e.DataType,
			Value:     e.Value,
			ZScore:    e.ZScore,
			Timestamp: e.Timestamp,
		}
	}
	return models.AnomalyBatch{
		BatchID:   p.BatchID,
		ScanStart: start,
		ScanEnd:   end,
		CreatedAt: createdAt,
		Anomalies: anomalies,
	}, nil
}

// whereBuilder собирает WHERE с плейсхолдерами драйвера
type whereBuilder struct {
	placeholder func(n int) string
	conds       []string
	args        []any
}

func (b *whereBuilder) add(cond string, arg any) {
	b.args = append(b.args, arg)
	b.conds = append(b.conds, strings.ReplaceAll(cond, "?", b.placeholder(len(b.args))))
}

func (b *whereBuilder) sql() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// nullString пустую строку пишем как NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullFloat nil-указатель пишем как NULL
func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// observe учитывает операцию с хранилищем
func observe(operation string, err error) error {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StoreOperations.WithLabelValues(operation, status).Inc()
	return err
}
