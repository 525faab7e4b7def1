package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultRingSize bounds the in-memory backend.
const defaultRingSize = 10_000

// MemoryBackend keeps the most recent events in a bounded ring buffer.
type MemoryBackend struct {
	mu     sync.RWMutex
	events []Event
	max    int
}

func NewMemoryBackend(size int) *MemoryBackend {
	if size <= 0 {
		size = defaultRingSize
	}

	slog.Info("using in-memory analytics backend", "capacity", size)

	return &MemoryBackend{max: size}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Close() {}

func (b *MemoryBackend) Append(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, ev)
	if len(b.events) > b.max {
		b.events = b.events[len(b.events)-b.max:]
	}
	return nil
}

func (b *MemoryBackend) snapshot(start, end time.Time, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, ev := range b.events {
		ts := ev.Time()
		if !start.IsZero() && ts.Before(start) {
			continue
		}
		if !end.IsZero() && ts.After(end) {
			continue
		}

		result = append(result, ev)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

func (b *MemoryBackend) Query(_ context.Context, start, end time.Time, limit int) ([]Event, error) {
	return b.snapshot(start, end, limit), nil
}

func (b *MemoryBackend) Aggregate(_ context.Context, start, end time.Time) (*Aggregate, error) {
	return aggregateEvents(b.snapshot(start, end, 0)), nil
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Count(_ context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events), nil
}
