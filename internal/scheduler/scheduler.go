package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"iot-analytics/internal/metrics"
)

// Job периодическая задача
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler запускает задачи по расписанию
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New создает планировщик
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: jobs, logger: logger}
}

// Start запускает каждую задачу в своей горутине.
// Первый запуск сразу, дальше по тикеру до отмены контекста.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait ждет завершения всех задач после отмены контекста
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	err := job.Run(ctx)
	metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.JobRuns.WithLabelValues(job.Name, "error").Inc()
		s.logger.Error("job failed", "job", job.Name, "error", err)
		return
	}
	metrics.JobRuns.WithLabelValues(job.Name, "success").Inc()
}

// DailyOnce оборачивает расчет за вчерашние сутки так, чтобы каждый день считался один раз за процесс
func DailyOnce(now func() time.Time, run func(ctx context.Context, day time.Time) error) func(ctx context.Context) error {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(ctx context.Context) error {
		t := now().UTC().AddDate(0, 0, -1)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

		mu.Lock()
		defer mu.Unlock()
		if day.Equal(last) {
			return nil
		}
		if err := run(ctx, day); err != nil {
			return err
		}
		last = day
		return nil
	}
}

// Trailing оборачивает расчет по скользящему окну длиной window, заканчивающемуся сейчас
func Trailing(now func() time.Time, window time.Duration, run func(ctx context.Context, start, end time.Time) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		end := now().UTC()
		return run(ctx, end.Add(-window), end)
	}
}
