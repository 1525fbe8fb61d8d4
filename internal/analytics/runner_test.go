package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"iot-analytics/internal/models"
	"iot-analytics/internal/storage"
)

type fakeSource struct {
	readings []models.Reading
	err      error
	filters  []storage.Filter
}

func (s *fakeSource) Readings(_ context.Context, f storage.Filter) ([]models.Reading, error) {
	s.filters = append(s.filters, f)
	return s.readings, s.err
}

type fakeSink struct {
	mu      sync.Mutex
	windows []models.StatWindow
	batches []models.AnomalyBatch
	err     error
	saves   int
}

func (s *fakeSink) StatWindows(_ context.Context, f storage.Filter) ([]models.StatWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StatWindow
	for _, w := range s.windows {
		if !w.PeriodStart.Before(f.From) && w.PeriodStart.Before(f.To) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *fakeSink) SaveStatWindows(_ context.Context, w []models.StatWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.windows = append(s.windows, w...)
	s.saves++
	return nil
}

func (s *fakeSink) SaveAnomalyBatch(_ context.Context, b models.AnomalyBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, b)
	return nil
}

type fakeNotifier struct {
	batches []models.AnomalyBatch
	err     error
}

func (n *fakeNotifier) NotifyAnomalies(_ context.Context, b models.AnomalyBatch) error {
	n.batches = append(n.batches, b)
	return n.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func outlierSeries(deviceID, metric string) []models.Reading {
	return series(deviceID, metric, 10, 10, 10, 10, 10, 10, 10, 10, 10, 100)
}

func TestRunner_RunDailyStats(t *testing.T) {
	readings := append(series("dev-1", "temperature", 20, 22, 21), series("dev-2", "humidity", 50)...)
	source := &fakeSource{readings: readings}
	sink := &fakeSink{}
	r := NewRunner(source, sink, DefaultThresholds(), WithWorkers(2), WithLogger(quietLogger()))

	day := time.Date(2026, 10, 17, 15, 4, 5, 0, time.UTC)
	windows, err := r.RunDailyStats(context.Background(), day)
	if err != nil {
		t.Fatalf("RunDailyStats: %v", err)
	}

	if len(source.filters) != 1 {
		t.Fatalf("expected 1 source query, got %d", len(source.filters))
	}
	f := source.filters[0]
	if !f.From.Equal(windowStart) || !f.To.Equal(windowEnd) {
		t.Errorf("query window = %v..%v, want %v..%v", f.From, f.To, windowStart, windowEnd)
	}

	if len(windows) != 2 || len(sink.windows) != 2 {
		t.Fatalf("expected 2 windows returned and saved, got %d and %d", len(windows), len(sink.windows))
	}
	if windows[0].DeviceID != "dev-1" || windows[1].DeviceID != "dev-2" {
		t.Errorf("windows out of group order: %s, %s", windows[0].DeviceID, windows[1].DeviceID)
	}
	for _, w := range windows {
		if !(w.Min <= w.Mean && w.Mean <= w.Max) {
			t.Errorf("bounds violated: %+v", w)
		}
		if !w.PeriodStart.Equal(windowStart) || !w.PeriodEnd.Equal(windowEnd) {
			t.Errorf("period = %v..%v", w.PeriodStart, w.PeriodEnd)
		}
	}
	if windows[1].Count != 1 || windows[1].StdDev != 0 {
		t.Errorf("single point window = %+v", windows[1])
	}
}

func TestRunner_RunDailyStats_AlreadySaved(t *testing.T) {
	source := &fakeSource{readings: series("dev-1", "temperature", 20, 22, 21)}
	sink := &fakeSink{}
	r := NewRunner(source, sink, DefaultThresholds(), WithLogger(quietLogger()))
	ctx := context.Background()

	first, err := r.RunDailyStats(ctx, windowStart)
	if err != nil {
		t.Fatalf("RunDailyStats: %v", err)
	}

	// повторный запуск, например после рестарта процесса
	second, err := r.RunDailyStats(ctx, windowStart.Add(time.Hour))
	if err != nil {
		t.Fatalf("RunDailyStats: %v", err)
	}
	if sink.saves != 1 || len(sink.windows) != 1 {
		t.Fatalf("expected windows saved once, got %d saves and %d windows", sink.saves, len(sink.windows))
	}
	if len(source.filters) != 1 {
		t.Errorf("expected readings loaded once, got %d", len(source.filters))
	}
	if len(second) != len(first) || second[0].Mean != first[0].Mean {
		t.Errorf("second run = %+v, want %+v", second, first)
	}

	// следующие сутки считаются заново
	if _, err := r.RunDailyStats(ctx, windowEnd); err != nil {
		t.Fatalf("RunDailyStats: %v", err)
	}
	if sink.saves != 2 {
		t.Errorf("expected next day to be saved, got %d saves", sink.saves)
	}
}

func TestRunner_SQLiteStore_HugeOutlier(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "analytics.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	readings := append(series("dev-ok", "temperature", 20, 21, 22),
		series("dev-bad", "temperature", 10, 10, 10, 10, 10, 10, 10, 10, 10, 1e155)...)
	if err := store.InsertReadings(ctx, readings); err != nil {
		t.Fatalf("InsertReadings: %v", err)
	}

	r := NewRunner(store, store, DefaultThresholds(), WithLogger(quietLogger()))

	windows, err := r.RunDailyStats(ctx, windowStart)
	if err != nil {
		t.Fatalf("RunDailyStats: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}

	saved, err := store.StatWindows(ctx, storage.Filter{DeviceID: "dev-bad"})
	if err != nil {
		t.Fatalf("StatWindows: %v", err)
	}
	if len(saved) != 1 || !relativelyEqual(saved[0].StdDev, 3e154) {
		t.Errorf("saved windows = %+v", saved)
	}

	batch, err := r.RunAnomalyScan(ctx, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("RunAnomalyScan: %v", err)
	}
	if len(batch.Anomalies) != 1 || batch.Anomalies[0].DeviceID != "dev-bad" || !almostEqual(batch.Anomalies[0].ZScore, 3) {
		t.Errorf("anomalies = %+v", batch.Anomalies)
	}
}

func TestRunner_RunDailyStats_NoReadings(t *testing.T) {
	sink := &fakeSink{}
	r := NewRunner(&fakeSource{}, sink, DefaultThresholds(), WithLogger(quietLogger()))

	windows, err := r.RunDailyStats(context.Background(), windowStart)
	if err != nil {
		t.Fatalf("RunDailyStats: %v", err)
	}
	if len(windows) != 0 || len(sink.windows) != 0 {
		t.Errorf("expected nothing computed, got %d windows", len(windows))
	}
}

func TestRunner_RunDailyStats_SourceError(t *testing.T) {
	boom := errors.New("db down")
	r := NewRunner(&fakeSource{err: boom}, &fakeSink{}, DefaultThresholds(), WithLogger(quietLogger()))

	if _, err := r.RunDailyStats(context.Background(), windowStart); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}

func TestRunner_RunAnomalyScan(t *testing.T) {
	readings := append(outlierSeries("dev-2", "pressure"), series("dev-1", "temperature", 1, 2)...)
	readings = append(readings, outlierSeries("dev-1", "temperature")...)
	readings = append(readings, series("dev-3", "humidity", 7, 7, 7)...)

	source := &fakeSource{readings: readings}
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	createdAt := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	r := NewRunner(source, sink, DefaultThresholds(),
		WithWorkers(3),
		WithNotifiers(notifier),
		WithClock(func() time.Time { return createdAt }),
		WithLogger(quietLogger()),
	)

	start, end := windowStart, windowStart.Add(time.Hour)
	batch, err := r.RunAnomalyScan(context.Background(), start, end)
	if err != nil {
		t.Fatalf("RunAnomalyScan: %v", err)
	}

	if _, err := uuid.Parse(batch.BatchID); err != nil {
		t.Errorf("batch id %q is not a UUID: %v", batch.BatchID, err)
	}
	if !batch.ScanStart.Equal(start) || !batch.ScanEnd.Equal(end) || !batch.CreatedAt.Equal(createdAt) {
		t.Errorf("batch bounds = %v..%v at %v", batch.ScanStart, batch.ScanEnd, batch.CreatedAt)
	}

	if len(batch.Anomalies) != 2 {
		t.Fatalf("expected 2 anomalies, got %d: %+v", len(batch.Anomalies), batch.Anomalies)
	}
	// Группы идут в порядке первого появления ключа
	if batch.Anomalies[0].DeviceID != "dev-2" || batch.Anomalies[1].DeviceID != "dev-1" {
		t.Errorf("anomalies out of group order: %+v", batch.Anomalies)
	}

	if len(sink.batches) != 1 || sink.batches[0].BatchID != batch.BatchID {
		t.Errorf("batch not saved: %+v", sink.batches)
	}
	if len(notifier.batches) != 1 || notifier.batches[0].BatchID != batch.BatchID {
		t.Errorf("batch not notified: %+v", notifier.batches)
	}
}

func TestRunner_RunAnomalyScan_NothingFound(t *testing.T) {
	source := &fakeSource{readings: series("dev-1", "temperature", 20, 22, 21)}
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	r := NewRunner(source, sink, DefaultThresholds(), WithNotifiers(notifier), WithLogger(quietLogger()))

	batch, err := r.RunAnomalyScan(context.Background(), windowStart, windowEnd)
	if err != nil {
		t.Fatalf("RunAnomalyScan: %v", err)
	}
	if len(batch.Anomalies) != 0 {
		t.Errorf("expected no anomalies, got %+v", batch.Anomalies)
	}
	if len(sink.batches) != 0 || len(notifier.batches) != 0 {
		t.Errorf("empty batch must not be persisted or notified")
	}
}

func TestRunner_RunAnomalyScan_SinkError(t *testing.T) {
	boom := errors.New("insert failed")
	notifier := &fakeNotifier{}
	r := NewRunner(&fakeSource{readings: outlierSeries("d", "m")}, &fakeSink{err: boom}, DefaultThresholds(),
		WithNotifiers(notifier), WithLogger(quietLogger()))

	if _, err := r.RunAnomalyScan(context.Background(), windowStart, windowEnd); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped sink error, got %v", err)
	}
	if len(notifier.batches) != 0 {
		t.Errorf("notifier must not run when the sink fails")
	}
}

func TestRunner_RunAnomalyScan_NotifierErrorIsNotFatal(t *testing.T) {
	sink := &fakeSink{}
	failing := &fakeNotifier{err: errors.New("redis down")}
	healthy := &fakeNotifier{}
	r := NewRunner(&fakeSource{readings: outlierSeries("d", "m")}, sink, DefaultThresholds(),
		WithNotifiers(failing, healthy), WithLogger(quietLogger()))

	if _, err := r.RunAnomalyScan(context.Background(), windowStart, windowEnd); err != nil {
		t.Fatalf("RunAnomalyScan: %v", err)
	}
	if len(sink.batches) != 1 || len(healthy.batches) != 1 {
		t.Errorf("expected batch saved and delivered to healthy notifier")
	}
}

func TestDayBounds(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	start, end := DayBounds(time.Date(2026, 10, 18, 1, 0, 0, 0, loc))

	// 01:00 UTC+3 это еще 17 октября по UTC
	if !start.Equal(time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("window = %v", end.Sub(start))
	}
}
