package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/worldline-go/types"
)

const (
	redisKeyPrefix = "routiium:key:"
	redisIndexKey  = "routiium:keys"
)

// storageRecord is the persisted JSON shape. Unlike Record, it carries the
// hash and salt, which must never appear on API responses.
type storageRecord struct {
	ID         string                 `json:"id"`
	SecretHash string                 `json:"secret_hash"`
	Salt       string                 `json:"salt"`
	Label      string                 `json:"label,omitempty"`
	Scopes     types.Slice[string]    `json:"scopes,omitempty"`
	CreatedAt  types.Time             `json:"created_at"`
	ExpiresAt  types.Null[types.Time] `json:"expires_at"`
	RevokedAt  types.Null[types.Time] `json:"revoked_at"`
}

func toStorage(rec Record) storageRecord {
	return storageRecord{
		ID:         rec.ID,
		SecretHash: rec.SecretHash,
		Salt:       rec.Salt,
		Label:      rec.Label,
		Scopes:     rec.Scopes,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
		RevokedAt:  rec.RevokedAt,
	}
}

func fromStorage(sr storageRecord) Record {
	return Record{
		ID:         sr.ID,
		SecretHash: sr.SecretHash,
		Salt:       sr.Salt,
		Label:      sr.Label,
		Scopes:     sr.Scopes,
		CreatedAt:  sr.CreatedAt,
		ExpiresAt:  sr.ExpiresAt,
		RevokedAt:  sr.RevokedAt,
	}
}

// RedisStore persists keys in Redis, one JSON value per key plus an id index
// set for listing.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	slog.Info("using redis key store", "addr", opts.Addr)

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Close() {
	s.client.Close()
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(toStorage(rec))
	if err != nil {
		return fmt.Errorf("marshal key record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKeyPrefix+rec.ID, data, 0)
	pipe.SAdd(ctx, redisIndexKey, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store key record: %w", err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key record: %w", err)
	}

	var sr storageRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("unmarshal key record %s: %w", id, err)
	}

	rec := fromStorage(sr)
	return &rec, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list key ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	fullKeys := make([]string, len(ids))
	for i, id := range ids {
		fullKeys[i] = redisKeyPrefix + id
	}

	values, err := s.client.MGet(ctx, fullKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget key records: %w", err)
	}

	var result []Record
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Value vanished between SMEMBERS and MGET; drop the index entry.
			s.client.SRem(ctx, redisIndexKey, ids[i])
			continue
		}

		var sr storageRecord
		if err := json.Unmarshal([]byte(raw), &sr); err != nil {
			slog.Error("skipping corrupt key record", "id", ids[i], "error", err)
			continue
		}
		result = append(result, fromStorage(sr))
	}

	return result, nil
}

func (s *RedisStore) Revoke(ctx context.Context, id string, at time.Time) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.RevokedAt.Valid {
		return nil
	}

	rec.RevokedAt = types.NewTimeNull(at)
	return s.Put(ctx, *rec)
}

func (s *RedisStore) SetExpiration(ctx context.Context, id string, at *time.Time) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if at == nil {
		rec.ExpiresAt = types.Null[types.Time]{}
	} else {
		rec.ExpiresAt = types.NewTimeNull(at.UTC())
	}
	return s.Put(ctx, *rec)
}

func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	records, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int
	for _, rec := range records {
		if !rec.Expired(before) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, redisKeyPrefix+rec.ID)
		pipe.SRem(ctx, redisIndexKey, rec.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("delete expired key %s: %w", rec.ID, err)
		}
		deleted++
	}

	return deleted, nil
}
