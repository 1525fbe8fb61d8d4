package analytics

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"iot-analytics/internal/models"
)

var (
	// ErrEmptyInput группа без измерений, окно не формируется
	ErrEmptyInput = errors.New("analytics: empty input")
	// ErrMixedGroup в группе измерения разных устройств или метрик
	ErrMixedGroup = errors.New("analytics: readings belong to different groups")
)

// Group измерения одной пары (device_id, metric) в порядке поступления
type Group struct {
	Key      models.GroupKey
	Readings []models.Reading
}

// GroupReadings группирует измерения по (device_id, metric).
// Порядок групп соответствует первому появлению ключа, порядок внутри группы сохраняется.
func GroupReadings(readings []models.Reading) []Group {
	index := make(map[models.GroupKey]int)
	var groups []Group

	for _, r := range readings {
		key := r.Key()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Readings = append(groups[i].Readings, r)
	}

	return groups
}

// Aggregate вычисляет статистику по измерениям одной группы.
// Измерения вне окна [start, end) должен отфильтровать вызывающий код.
func Aggregate(readings []models.Reading, start, end time.Time) (models.StatWindow, error) {
	if len(readings) == 0 {
		return models.StatWindow{}, ErrEmptyInput
	}

	key := readings[0].Key()
	values := make(stats.Float64Data, len(readings))
	for i, r := range readings {
		if r.Key() != key {
			return models.StatWindow{}, fmt.Errorf("%w: %s/%s and %s/%s",
				ErrMixedGroup, key.DeviceID, key.Metric, r.DeviceID, r.Metric)
		}
		values[i] = r.Value
	}

	d, err := describe(values)
	if err != nil {
		return models.StatWindow{}, err
	}

	return models.StatWindow{
		DeviceID:    key.DeviceID,
		Metric:      key.Metric,
		PeriodStart: start,
		PeriodEnd:   end,
		Count:       len(values),
		Min:         d.min,
		Max:         d.max,
		Mean:        d.mean,
		StdDev:      d.stddev,
	}, nil
}

// description описательная статистика набора значений
type description struct {
	min    float64
	max    float64
	mean   float64
	stddev float64
	// scale степень двойки порядка max(|min|, |max|), на нее нормируются значения
	scale float64
}

// describe считает min, max, среднее и стандартное отклонение генеральной совокупности.
// Среднее и отклонение считаются по значениям, деленным на степень двойки порядка
// max(|min|, |max|): деление точное, а сумма квадратов не переполняется на больших
// значениях и не обнуляется на очень малых.
func describe(values stats.Float64Data) (description, error) {
	if len(values) == 0 {
		return description{}, ErrEmptyInput
	}

	lo, err := stats.Min(values)
	if err != nil {
		return description{}, fmt.Errorf("failed to compute min: %w", err)
	}
	hi, err := stats.Max(values)
	if err != nil {
		return description{}, fmt.Errorf("failed to compute max: %w", err)
	}

	// Все значения равны: отклонение строго 0, среднее без ошибки округления
	if lo == hi {
		return description{min: lo, max: hi, mean: lo}, nil
	}

	_, exp := math.Frexp(math.Max(math.Abs(lo), math.Abs(hi)))
	scale := math.Ldexp(1, exp-1)
	scaled := make(stats.Float64Data, len(values))
	for i, v := range values {
		scaled[i] = v / scale
	}

	mean, err := stats.Mean(scaled)
	if err != nil {
		return description{}, fmt.Errorf("failed to compute mean: %w", err)
	}
	stddev, err := stats.StandardDeviationPopulation(scaled)
	if err != nil {
		return description{}, fmt.Errorf("failed to compute stddev: %w", err)
	}
	mean *= scale
	stddev *= scale

	// Накопленная ошибка суммирования не должна выводить среднее за [min, max]
	if mean < lo {
		mean = lo
	}
	if mean > hi {
		mean = hi
	}
	// Значения различаются, значит отклонение не нулевое даже у субнормальных чисел
	if stddev == 0 {
		stddev = math.SmallestNonzeroFloat64
	}

	return description{min: lo, max: hi, mean: mean, stddev: stddev, scale: scale}, nil
}

// zscore возвращает |v - mean| / stddev, считая в нормированных значениях
func (d description) zscore(v float64) float64 {
	if d.stddev == 0 {
		return 0
	}
	return math.Abs(v/d.scale-d.mean/d.scale) / (d.stddev / d.scale)
}

// valuesOf извлекает значения измерений
func valuesOf(readings []models.Reading) stats.Float64Data {
	values := make(stats.Float64Data, len(readings))
	for i, r := range readings {
		values[i] = r.Value
	}
	return values
}
