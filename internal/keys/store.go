package keys

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when no record matches the id.
var ErrNotFound = errors.New("key not found")

// Store is the capability set every key backend implements.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	SetExpiration(ctx context.Context, id string, at *time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)

	// Name identifies the backend for status reporting.
	Name() string
	Close()
}

// StoreConfig selects and configures a key backend.
type StoreConfig struct {
	// Backend overrides auto-selection: "redis", "sqlite", or "memory".
	Backend string

	RedisURL   string
	SQLitePath string
}

// NewStore selects a backend: explicit override first, then Redis when a URL
// is configured, then the embedded store when a path is configured, then
// memory.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		switch {
		case cfg.RedisURL != "":
			backend = "redis"
		case cfg.SQLitePath != "":
			backend = "sqlite"
		default:
			backend = "memory"
		}
	}

	switch backend {
	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.New("redis key store requires a redis URL")
		}
		return NewRedisStore(ctx, cfg.RedisURL)
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, errors.New("sqlite key store requires a datasource path")
		}
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown key store backend %q", backend)
	}
}
