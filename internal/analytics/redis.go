package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEventsKey    = "routiium:analytics:events"
	redisModelsKey    = "routiium:analytics:models"
	redisEndpointsKey = "routiium:analytics:endpoints"
)

// RedisBackend stores events in a sorted set scored by timestamp, plus index
// sets of seen models and endpoints. A TTL window, when configured, trims
// old entries on each append.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisBackend(ctx context.Context, url string, ttl time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	slog.Info("using redis analytics backend", "addr", opts.Addr, "ttl", ttl)

	return &RedisBackend{client: client, ttl: ttl}, nil
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Close() {
	b.client.Close()
}

func (b *RedisBackend) Append(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, redisEventsKey, redis.Z{Score: ev.TimestampS, Member: data})
	if ev.Request.Model != "" {
		pipe.SAdd(ctx, redisModelsKey, ev.Request.Model)
	}
	if ev.Request.Endpoint != "" {
		pipe.SAdd(ctx, redisEndpointsKey, ev.Request.Endpoint)
	}
	if b.ttl > 0 {
		cutoff := float64(time.Now().Add(-b.ttl).UnixMilli()) / 1000
		pipe.ZRemRangeByScore(ctx, redisEventsKey, "-inf", strconv.FormatFloat(cutoff, 'f', 3, 64))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (b *RedisBackend) Query(ctx context.Context, start, end time.Time, limit int) ([]Event, error) {
	min, max := "-inf", "+inf"
	if !start.IsZero() {
		min = strconv.FormatFloat(float64(start.UnixMilli())/1000, 'f', 3, 64)
	}
	if !end.IsZero() {
		max = strconv.FormatFloat(float64(end.UnixMilli())/1000, 'f', 3, 64)
	}

	rangeBy := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	members, err := b.client.ZRangeByScore(ctx, redisEventsKey, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	result := make([]Event, 0, len(members))
	for _, m := range members {
		var ev Event
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			slog.Warn("skipping corrupt analytics entry", "error", err)
			continue
		}
		result = append(result, ev)
	}
	return result, nil
}

func (b *RedisBackend) Aggregate(ctx context.Context, start, end time.Time) (*Aggregate, error) {
	events, err := b.Query(ctx, start, end, 0)
	if err != nil {
		return nil, err
	}
	return aggregateEvents(events), nil
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	if err := b.client.Del(ctx, redisEventsKey, redisModelsKey, redisEndpointsKey).Err(); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	return nil
}

func (b *RedisBackend) Count(ctx context.Context) (int, error) {
	n, err := b.client.ZCard(ctx, redisEventsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return int(n), nil
}
