package analytics

import (
	"fmt"
	"math"

	"iot-analytics/internal/models"
)

const (
	// DefaultZScoreThreshold порог z-score для аномалии
	DefaultZScoreThreshold = 2.5
	// DefaultMinSamples минимум точек в группе для поиска аномалий
	DefaultMinSamples = 3
)

// Причины пропуска группы
const (
	SkipEmpty               = "empty"
	SkipInsufficientSamples = "insufficient_samples"
	SkipZeroVariance        = "zero_variance"
)

// Thresholds параметры детектора аномалий
type Thresholds struct {
	ZScore     float64
	MinSamples int
}

// DefaultThresholds возвращает пороги по умолчанию
func DefaultThresholds() Thresholds {
	return Thresholds{
		ZScore:     DefaultZScoreThreshold,
		MinSamples: DefaultMinSamples,
	}
}

// Validate проверяет пороги
func (t Thresholds) Validate() error {
	if !(t.ZScore > 0) || math.IsInf(t.ZScore, 0) {
		return fmt.Errorf("z-score threshold must be a positive number, got %v", t.ZScore)
	}
	if t.MinSamples < 2 {
		return fmt.Errorf("min samples must be at least 2, got %d", t.MinSamples)
	}
	return nil
}

// Detector детектор аномалий по z-score
type Detector struct {
	thresholds Thresholds
}

// NewDetector создает детектор
func NewDetector(thresholds Thresholds) Detector {
	return Detector{thresholds: thresholds}
}

// Thresholds возвращает пороги детектора
func (d Detector) Thresholds() Thresholds {
	return d.thresholds
}

// Detect ищет аномалии в группе измерений одной пары (device_id, metric).
// Аномалии возвращаются в порядке входной последовательности.
func (d Detector) Detect(readings []models.Reading) []models.AnomalyRecord {
	anomalies, _ := d.inspect(readings)
	return anomalies
}

// inspect возвращает аномалии и причину, если группа пропущена
func (d Detector) inspect(readings []models.Reading) ([]models.AnomalyRecord, string) {
	if len(readings) == 0 {
		return nil, SkipEmpty
	}
	if len(readings) < d.thresholds.MinSamples {
		return nil, SkipInsufficientSamples
	}

	desc, err := describe(valuesOf(readings))
	if err != nil {
		return nil, SkipEmpty
	}
	if desc.stddev == 0 {
		return nil, SkipZeroVariance
	}

	var anomalies []models.AnomalyRecord
	for _, r := range readings {
		z := desc.zscore(r.Value)
		if z > d.thresholds.ZScore {
			anomalies = append(anomalies, models.AnomalyRecord{
				DeviceID:  r.DeviceID,
				Metric:    r.Metric,
				Value:     r.Value,
				ZScore:    z,
				Timestamp: r.Timestamp,
			})
		}
	}

	return anomalies, ""
}
