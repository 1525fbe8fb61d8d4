package models

import "time"

// Reading одно измерение устройства по конкретной метрике
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Quality   *float64  `json:"quality,omitempty"`
}

// Key возвращает ключ группировки (device_id, metric)
func (r Reading) Key() GroupKey {
	return GroupKey{DeviceID: r.DeviceID, Metric: r.Metric}
}

// GroupKey ключ группы измерений
type GroupKey struct {
	DeviceID string `json:"device_id"`
	Metric   string `json:"metric"`
}

// StatWindow агрегированная статистика по группе за период
type StatWindow struct {
	DeviceID    string    `json:"device_id"`
	Metric      string    `json:"metric"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Count       int       `json:"count"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
}

// AnomalyRecord измерение, z-score которого превысил порог
type AnomalyRecord struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	ZScore    float64   `json:"z_score"`
	Timestamp time.Time `json:"timestamp"`
}

// AnomalyBatch результат одного прохода поиска аномалий
type AnomalyBatch struct {
	BatchID   string          `json:"batch_id"`
	ScanStart time.Time       `json:"scan_start"`
	ScanEnd   time.Time       `json:"scan_end"`
	CreatedAt time.Time       `json:"created_at"`
	Anomalies []AnomalyRecord `json:"anomalies"`
}

// MetricSummary краткая статистика метрики для realtime-среза
type MetricSummary struct {
	Count  int     `json:"count"`
	Latest float64 `json:"latest"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"avg"`
}

// RealtimeSnapshot срез по всем устройствам за последний период
type RealtimeSnapshot struct {
	Timestamp time.Time                           `json:"timestamp"`
	Period    string                              `json:"period"`
	Devices   map[string]map[string]MetricSummary `json:"devices"`
}

// Period интервал времени
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// HistoricalAnalytics статистика по дням за период
type HistoricalAnalytics struct {
	Period     Period                `json:"period"`
	DailyStats map[string]StatWindow `json:"daily_stats"`
}

// DataPoint точка данных устройства в ответе API
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Quality   *float64  `json:"quality,omitempty"`
}

// MetricAnalytics статистика и точки одной метрики устройства
type MetricAnalytics struct {
	Count      int         `json:"count"`
	Min        float64     `json:"min"`
	Max        float64     `json:"max"`
	Mean       float64     `json:"avg"`
	StdDev     float64     `json:"stddev"`
	Latest     *DataPoint  `json:"latest"`
	DataPoints []DataPoint `json:"data_points"`
}

// DeviceAnalytics аналитика одного устройства
type DeviceAnalytics struct {
	DeviceID  string                     `json:"device_id"`
	Period    string                     `json:"period"`
	DataTypes map[string]MetricAnalytics `json:"data_types"`
}
