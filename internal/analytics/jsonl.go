package analytics

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONLBackend appends events to a newline-delimited JSON file. It is the
// default backend: durable, dependency-free, greppable.
type JSONLBackend struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func NewJSONLBackend(path string) (*JSONLBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create analytics dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open analytics file: %w", err)
	}

	slog.Info("using jsonl analytics backend", "path", path)

	return &JSONLBackend{path: path, file: file}, nil
}

func (b *JSONLBackend) Name() string { return "jsonl" }

func (b *JSONLBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
}

func (b *JSONLBackend) Append(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file == nil {
		return fmt.Errorf("analytics file closed")
	}

	if _, err := b.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// scan reads all events in [start, end], stopping early at limit when
// limit > 0.
func (b *JSONLBackend) scan(start, end time.Time, limit int) ([]Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	file, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open analytics file: %w", err)
	}
	defer file.Close()

	var result []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("skipping corrupt analytics line", "error", err)
			continue
		}

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

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan analytics file: %w", err)
	}
	return result, nil
}

func (b *JSONLBackend) Query(_ context.Context, start, end time.Time, limit int) ([]Event, error) {
	return b.scan(start, end, limit)
}

func (b *JSONLBackend) Aggregate(_ context.Context, start, end time.Time) (*Aggregate, error) {
	events, err := b.scan(start, end, 0)
	if err != nil {
		return nil, err
	}
	return aggregateEvents(events), nil
}

func (b *JSONLBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.file != nil {
		b.file.Close()
	}

	file, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("truncate analytics file: %w", err)
	}
	b.file = file
	return nil
}

func (b *JSONLBackend) Count(_ context.Context) (int, error) {
	events, err := b.scan(time.Time{}, time.Time{}, 0)
	if err != nil {
		return 0, err
	}
	return len(events), nil
}
