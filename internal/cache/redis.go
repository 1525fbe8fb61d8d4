package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"iot-analytics/internal/metrics"
	"iot-analytics/internal/models"
)

// ErrMiss значения нет в кэше
var ErrMiss = errors.New("cache: miss")

const realtimeKey = "analytics:realtime"

// RedisCache обертка для Redis клиента
type RedisCache struct {
	client      *redis.Client
	snapshotTTL time.Duration
	anomalyTTL  time.Duration
}

// Options параметры подключения к Redis
type Options struct {
	Addr        string
	Password    string
	DB          int
	SnapshotTTL time.Duration
	AnomalyTTL  time.Duration
}

// NewRedisCache создает новый Redis кэш
func NewRedisCache(ctx context.Context, opts Options) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
	})

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client:      client,
		snapshotTTL: opts.SnapshotTTL,
		anomalyTTL:  opts.AnomalyTTL,
	}, nil
}

// GetSnapshot возвращает закэшированный realtime-срез
func (r *RedisCache) GetSnapshot(ctx context.Context) (models.RealtimeSnapshot, error) {
	var snapshot models.RealtimeSnapshot

	data, err := r.client.Get(ctx, realtimeKey).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues("realtime", "miss").Inc()
		return snapshot, ErrMiss
	}
	if err != nil {
		countOp("get_snapshot", err)
		return snapshot, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &snapshot); err != nil {
		return snapshot, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	metrics.CacheRequests.WithLabelValues("realtime", "hit").Inc()
	return snapshot, nil
}

// SetSnapshot кэширует realtime-срез
func (r *RedisCache) SetSnapshot(ctx context.Context, snapshot models.RealtimeSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return countOp("set_snapshot", r.client.Set(ctx, realtimeKey, data, r.snapshotTTL).Err())
}

// NotifyAnomalies сохраняет аномалии пакета в индексы по устройствам
func (r *RedisCache) NotifyAnomalies(ctx context.Context, batch models.AnomalyBatch) error {
	if len(batch.Anomalies) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for _, a := range batch.Anomalies {
		jsonData, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal anomaly: %w", err)
		}

		key := anomalyKey(a)
		listKey := anomalyListKey(a.DeviceID)

		// Добавляем в sorted set для легкого извлечения
		pipe.Set(ctx, key, jsonData, r.anomalyTTL)
		pipe.ZAdd(ctx, listKey, redis.Z{Score: float64(a.Timestamp.UnixNano()), Member: key})
		pipe.Expire(ctx, listKey, r.anomalyTTL)
	}

	_, err := pipe.Exec(ctx)
	return countOp("store_anomaly", err)
}

// GetRecentAnomalies получает последние аномалии для устройства
func (r *RedisCache) GetRecentAnomalies(ctx context.Context, deviceID string, limit int) ([]models.AnomalyRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	keys, err := r.client.ZRevRange(ctx, anomalyListKey(deviceID), 0, int64(limit-1)).Result()
	if err != nil {
		countOp("get_anomalies", err)
		return nil, fmt.Errorf("failed to get anomalies: %w", err)
	}
	if len(keys) == 0 {
		return nil, countOp("get_anomalies", nil)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		countOp("get_anomalies", err)
		return nil, fmt.Errorf("failed to get anomaly records: %w", err)
	}

	anomalies := make([]models.AnomalyRecord, 0, len(values))
	for _, v := range values {
		// Запись могла истечь раньше sorted set
		s, ok := v.(string)
		if !ok {
			continue
		}
		var a models.AnomalyRecord
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal anomaly: %w", err)
		}
		anomalies = append(anomalies, a)
	}

	return anomalies, countOp("get_anomalies", nil)
}

// Close закрывает соединение с Redis
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Ping проверяет доступность Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// GetStats возвращает статистику Redis
func (r *RedisCache) GetStats() map[string]interface{} {
	stats := r.client.PoolStats()

	return map[string]interface{}{
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"stale_conns": stats.StaleConns,
	}
}

// anomalyKey ключ аномалии, одно и то же измерение из разных проходов дает тот же ключ
func anomalyKey(a models.AnomalyRecord) string {
	return fmt.Sprintf("anomaly:%s:%s:%d:%s", a.DeviceID, a.Metric, a.Timestamp.UnixNano(),
		strconv.FormatFloat(a.Value, 'g', -1, 64))
}

func anomalyListKey(deviceID string) string {
	return fmt.Sprintf("anomaly_list:%s", deviceID)
}

// countOp учитывает операцию с Redis
func countOp(operation string, err error) error {
	if err != nil {
		metrics.RedisOperations.WithLabelValues(operation, "error").Inc()
	} else {
		metrics.RedisOperations.WithLabelValues(operation, "success").Inc()
	}
	return err
}
