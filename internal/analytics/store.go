package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend persists analytics events. Append is called from the recorder
// worker, never from the request path.
type Backend interface {
	Append(ctx context.Context, ev Event) error
	Query(ctx context.Context, start, end time.Time, limit int) ([]Event, error)
	Aggregate(ctx context.Context, start, end time.Time) (*Aggregate, error)
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)

	Name() string
	Close()
}

// BackendConfig selects and configures an analytics backend.
type BackendConfig struct {
	// Backend overrides auto-selection: "jsonl", "redis", "sqlite", "memory".
	Backend string

	JSONLPath  string
	RedisURL   string
	RedisTTL   time.Duration
	SQLitePath string
	MemorySize int
}

// NewBackend selects a backend: explicit override first, then Redis URL,
// then sqlite path, then the JSONL file (the default when a path is set),
// then memory.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	backend := cfg.Backend
	if backend == "" {
		switch {
		case cfg.RedisURL != "":
			backend = "redis"
		case cfg.SQLitePath != "":
			backend = "sqlite"
		case cfg.JSONLPath != "":
			backend = "jsonl"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "jsonl":
		if cfg.JSONLPath == "" {
			return nil, errors.New("jsonl analytics backend requires a file path")
		}
		return NewJSONLBackend(cfg.JSONLPath)
	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.New("redis analytics backend requires a redis URL")
		}
		return NewRedisBackend(ctx, cfg.RedisURL, cfg.RedisTTL)
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, errors.New("sqlite analytics backend requires a datasource path")
		}
		return NewSQLiteBackend(ctx, cfg.SQLitePath)
	case "memory":
		return NewMemoryBackend(cfg.MemorySize), nil
	default:
		return nil, fmt.Errorf("unknown analytics backend %q", backend)
	}
}
