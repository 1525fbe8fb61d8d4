package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iot-analytics/internal/analytics"
	"iot-analytics/internal/cache"
	"iot-analytics/internal/config"
	"iot-analytics/internal/handlers"
	"iot-analytics/internal/logging"
	"iot-analytics/internal/scheduler"
	"iot-analytics/internal/storage"
	"iot-analytics/internal/stream"
)

func main() {
	once := flag.String("once", "", "run a single job (anomaly_scan or daily_stats) and exit")
	flag.Parse()

	// Конфигурация из .env, файла и environment variables
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(os.Stderr, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))
	logger.Info("starting analytics service", "driver", cfg.Database.Driver, "port", cfg.ServerPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, once string) error {
	// Инициализация хранилища
	store, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("connected to database", "driver", cfg.Database.Driver)

	// Инициализация Redis
	redisCache, err := cache.NewRedisCache(ctx, cache.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		SnapshotTTL: cfg.RealtimeCacheTTL,
		AnomalyTTL:  cfg.Redis.AnomalyTTL,
	})
	if err != nil {
		return err
	}
	defer redisCache.Close()
	logger.Info("connected to Redis", "addr", cfg.Redis.Addr)

	hub := stream.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	runner := analytics.NewRunner(store, store, cfg.Thresholds(),
		analytics.WithWorkers(cfg.Workers),
		analytics.WithNotifiers(redisCache, hub),
		analytics.WithLogger(logger),
	)

	jobs := []scheduler.Job{
		{
			Name:     "anomaly_scan",
			Interval: cfg.Jobs.AnomalyScanInterval,
			Run: scheduler.Trailing(time.Now, cfg.Jobs.AnomalyScanWindow, func(ctx context.Context, start, end time.Time) error {
				_, err := runner.RunAnomalyScan(ctx, start, end)
				return err
			}),
		},
		{
			Name:     "daily_stats",
			Interval: cfg.Jobs.DailyStatsCheckInterval,
			Run: scheduler.DailyOnce(time.Now, func(ctx context.Context, day time.Time) error {
				_, err := runner.RunDailyStats(ctx, day)
				return err
			}),
		},
	}

	if once != "" {
		return runOnce(ctx, jobs, once)
	}

	logger.Info("analyzer configured",
		"zscore_threshold", cfg.Anomaly.ZScoreThreshold,
		"min_samples", cfg.Anomaly.MinSamples,
		"workers", cfg.Workers)

	handler := handlers.NewHandler(handlers.Deps{
		Store:          store,
		Cache:          redisCache,
		Stream:         hub,
		Thresholds:     cfg.Thresholds(),
		RealtimeWindow: cfg.RealtimeWindow,
	})

	// HTTP сервер
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handlers.NewRouter(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sched := scheduler.New(logger, jobs...)
	sched.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Ожидание сигнала завершения
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	sched.Wait()
	stopHub()

	logger.Info("server stopped gracefully")
	return nil
}

// runOnce выполняет одну задачу по имени
func runOnce(ctx context.Context, jobs []scheduler.Job, name string) error {
	for _, job := range jobs {
		if job.Name == name {
			return job.Run(ctx)
		}
	}
	return errors.New("unknown job: " + name)
}
