package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"iot-analytics/internal/metrics"
	"iot-analytics/internal/models"
	"iot-analytics/internal/storage"
)

// ReadingSource источник измерений
type ReadingSource interface {
	Readings(ctx context.Context, filter storage.Filter) ([]models.Reading, error)
}

// ResultSink приемник результатов аналитики
type ResultSink interface {
	SaveStatWindows(ctx context.Context, windows []models.StatWindow) error
	// StatWindows возвращает уже сохраненные окна, фильтр по началу окна
	StatWindows(ctx context.Context, filter storage.Filter) ([]models.StatWindow, error)
	SaveAnomalyBatch(ctx context.Context, batch models.AnomalyBatch) error
}

// AnomalyNotifier получатель сохраненных пакетов аномалий
type AnomalyNotifier interface {
	NotifyAnomalies(ctx context.Context, batch models.AnomalyBatch) error
}

// Runner выполняет пакетные расчеты статистики и поиска аномалий
type Runner struct {
	source    ReadingSource
	sink      ResultSink
	notifiers []AnomalyNotifier
	detector  Detector
	workers   int
	now       func() time.Time
	logger    *slog.Logger
}

// Option настройка Runner
type Option func(*Runner)

// WithNotifiers добавляет получателей пакетов аномалий
func WithNotifiers(notifiers ...AnomalyNotifier) Option {
	return func(r *Runner) {
		r.notifiers = append(r.notifiers, notifiers...)
	}
}

// WithWorkers задает число параллельных обработчиков групп
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithClock подменяет источник текущего времени
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// WithLogger задает логгер
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner создает Runner
func NewRunner(source ReadingSource, sink ResultSink, thresholds Thresholds, opts ...Option) *Runner {
	r := &Runner{
		source:   source,
		sink:     sink,
		detector: NewDetector(thresholds),
		workers:  4,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DayBounds возвращает границы суток UTC, содержащих t
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// RunDailyStats считает статистику за сутки, содержащие day, и сохраняет ее.
// Если окна за эти сутки уже сохранены, возвращает их без повторного расчета.
func (r *Runner) RunDailyStats(ctx context.Context, day time.Time) ([]models.StatWindow, error) {
	start, end := DayBounds(day)

	existing, err := r.sink.StatWindows(ctx, storage.Filter{From: start, To: end})
	if err != nil {
		return nil, fmt.Errorf("failed to check saved daily stats: %w", err)
	}
	if len(existing) > 0 {
		r.logger.Info("daily statistics already calculated",
			"period_start", start, "count", len(existing))
		return existing, nil
	}

	readings, err := r.source.Readings(ctx, storage.Filter{From: start, To: end})
	if err != nil {
		return nil, fmt.Errorf("failed to load readings for daily stats: %w", err)
	}

	groups := GroupReadings(readings)
	slots := make([]*models.StatWindow, len(groups))
	errs := make([]error, len(groups))

	r.forEach(len(groups), func(i int) {
		w, err := Aggregate(groups[i].Readings, start, end)
		if errors.Is(err, ErrEmptyInput) {
			return
		}
		if err != nil {
			errs[i] = err
			return
		}
		slots[i] = &w
	})

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to aggregate readings: %w", err)
	}

	windows := make([]models.StatWindow, 0, len(slots))
	for _, w := range slots {
		if w != nil {
			windows = append(windows, *w)
		}
	}

	if len(windows) > 0 {
		if err := r.sink.SaveStatWindows(ctx, windows); err != nil {
			return nil, fmt.Errorf("failed to save daily stats: %w", err)
		}
	}
	metrics.StatWindowsComputed.Add(float64(len(windows)))

	r.logger.Info("daily statistics calculated",
		"period_start", start, "period_end", end, "count", len(windows))

	return windows, nil
}

// RunAnomalyScan ищет аномалии в измерениях [start, end).
// Непустой пакет сохраняется в приемник и рассылается получателям.
func (r *Runner) RunAnomalyScan(ctx context.Context, start, end time.Time) (models.AnomalyBatch, error) {
	batch := models.AnomalyBatch{
		BatchID:   uuid.NewString(),
		ScanStart: start,
		ScanEnd:   end,
	}

	readings, err := r.source.Readings(ctx, storage.Filter{From: start, To: end})
	if err != nil {
		return batch, fmt.Errorf("failed to load readings for anomaly scan: %w", err)
	}

	groups := GroupReadings(readings)
	found := make([][]models.AnomalyRecord, len(groups))

	r.forEach(len(groups), func(i int) {
		anomalies, skipped := r.detector.inspect(groups[i].Readings)
		if skipped != "" {
			metrics.GroupsSkipped.WithLabelValues(skipped).Inc()
			return
		}
		found[i] = anomalies
	})

	for i, anomalies := range found {
		if len(anomalies) > 0 {
			metrics.AnomaliesDetected.WithLabelValues(groups[i].Key.Metric).Add(float64(len(anomalies)))
		}
		batch.Anomalies = append(batch.Anomalies, anomalies...)
	}
	batch.CreatedAt = r.now()

	if len(batch.Anomalies) == 0 {
		r.logger.Debug("anomaly scan finished", "groups", len(groups), "anomalies", 0)
		return batch, nil
	}

	if err := r.sink.SaveAnomalyBatch(ctx, batch); err != nil {
		return batch, fmt.Errorf("failed to save anomaly batch: %w", err)
	}

	for _, n := range r.notifiers {
		if err := n.NotifyAnomalies(ctx, batch); err != nil {
			r.logger.Error("failed to notify anomalies", "batch_id", batch.BatchID, "error", err)
		}
	}

	r.logger.Info("anomalies detected",
		"batch_id", batch.BatchID, "groups", len(groups), "count", len(batch.Anomalies))

	return batch, nil
}

// forEach выполняет fn для индексов [0, n) пулом из r.workers горутин
func (r *Runner) forEach(n int, fn func(i int)) {
	workers := r.workers
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}
