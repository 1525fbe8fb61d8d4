package analytics

import (
	"errors"
	"fmt"
	"time"

	"iot-analytics/internal/models"
)

// ErrInvalidPeriod неизвестное обозначение периода
var ErrInvalidPeriod = errors.New("analytics: invalid period")

// dayLayout формат ключа дня в исторической статистике
const dayLayout = "2006-01-02"

// ParsePeriod переводит 24h, 7d или 30d в длительность
func ParsePeriod(period string) (time.Duration, error) {
	switch period {
	case "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
}

// Snapshot строит realtime-срез по устройствам и метрикам
func Snapshot(readings []models.Reading, now time.Time, period time.Duration) models.RealtimeSnapshot {
	snapshot := models.RealtimeSnapshot{
		Timestamp: now,
		Period:    periodLabel(period),
		Devices:   make(map[string]map[string]models.MetricSummary),
	}

	for _, g := range GroupReadings(readings) {
		desc, err := describe(valuesOf(g.Readings))
		if err != nil {
			continue
		}

		metrics, ok := snapshot.Devices[g.Key.DeviceID]
		if !ok {
			metrics = make(map[string]models.MetricSummary)
			snapshot.Devices[g.Key.DeviceID] = metrics
		}
		metrics[g.Key.Metric] = models.MetricSummary{
			Count:  len(g.Readings),
			Latest: g.Readings[len(g.Readings)-1].Value,
			Min:    desc.min,
			Max:    desc.max,
			Mean:   desc.mean,
		}
	}

	return snapshot
}

// DailyBreakdown считает статистику по дням (UTC).
// deviceID и metric попадают в окна как есть, пустое значение означает все.
func DailyBreakdown(readings []models.Reading, deviceID, metric string) map[string]models.StatWindow {
	days := make(map[string][]float64)
	var order []string
	for _, r := range readings {
		day := r.Timestamp.UTC().Format(dayLayout)
		if _, ok := days[day]; !ok {
			order = append(order, day)
		}
		days[day] = append(days[day], r.Value)
	}

	result := make(map[string]models.StatWindow, len(days))
	for _, day := range order {
		values := days[day]
		desc, err := describe(values)
		if err != nil {
			continue
		}
		start, _ := time.Parse(dayLayout, day)
		result[day] = models.StatWindow{
			DeviceID:    deviceID,
			Metric:      metric,
			PeriodStart: start,
			PeriodEnd:   start.AddDate(0, 0, 1),
			Count:       len(values),
			Min:         desc.min,
			Max:         desc.max,
			Mean:        desc.mean,
			StdDev:      desc.stddev,
		}
	}

	return result
}

// DeviceSummary строит аналитику устройства по каждой метрике
func DeviceSummary(deviceID, period string, readings []models.Reading) models.DeviceAnalytics {
	result := models.DeviceAnalytics{
		DeviceID:  deviceID,
		Period:    period,
		DataTypes: make(map[string]models.MetricAnalytics),
	}

	for _, g := range GroupReadings(readings) {
		if g.Key.DeviceID != deviceID {
			continue
		}
		desc, err := describe(valuesOf(g.Readings))
		if err != nil {
			continue
		}

		points := make([]models.DataPoint, len(g.Readings))
		for i, r := range g.Readings {
			points[i] = models.DataPoint{
				Timestamp: r.Timestamp,
				Value:     r.Value,
				Unit:      r.Unit,
				Quality:   r.Quality,
			}
		}
		latest := points[len(points)-1]

		result.DataTypes[g.Key.Metric] = models.MetricAnalytics{
			Count:      len(points),
			Min:        desc.min,
			Max:        desc.max,
			Mean:       desc.mean,
			StdDev:     desc.stddev,
			Latest:     &latest,
			DataPoints: points,
		}
	}

	return result
}

// periodLabel форматирует длительность как 5min, 1h и т.п.
func periodLabel(d time.Duration) string {
	switch {
	case d > 0 && d%time.Hour == 0:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("%dmin", int(d/time.Minute))
	default:
		return d.String()
	}
}
