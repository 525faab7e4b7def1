package keys

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/worldline-go/types"
)

// MemoryStore keeps keys in process memory. Data does not survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	slog.Info("using in-memory key store (keys will not persist across restarts)")

	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		result = append(result, rec)
	}

	slices.SortFunc(result, func(a, b Record) int {
		if a.CreatedAt.Time.Before(b.CreatedAt.Time) {
			return -1
		}
		if a.CreatedAt.Time.After(b.CreatedAt.Time) {
			return 1
		}
		return 0
	})

	return result, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.RevokedAt.Valid {
		return nil // revocation is final and idempotent
	}

	rec.RevokedAt = types.NewTimeNull(at)
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) SetExpiration(_ context.Context, id string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}

	if at == nil {
		rec.ExpiresAt = types.Null[types.Time]{}
	} else {
		rec.ExpiresAt = types.NewTimeNull(at.UTC())
	}
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int
	for id, rec := range s.records {
		if rec.Expired(before) {
			delete(s.records, id)
			deleted++
		}
	}
	return deleted, nil
}
