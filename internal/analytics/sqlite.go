package analytics

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/rakunlabs/muz"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*
var migrationFS embed.FS

// DefaultTablePrefix prefixes the analytics tables in the embedded store.
var DefaultTablePrefix = "routiium_"

// SQLiteBackend is the embedded analytics backend, sharing the sqlite stack
// with the key store.
type SQLiteBackend struct {
	db   *sql.DB
	goqu *goqu.Database

	table exp.IdentifierExpression
}

func NewSQLiteBackend(ctx context.Context, datasource string) (*SQLiteBackend, error) {
	if datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	if err := migrateDB(ctx, datasource); err != nil {
		return nil, fmt.Errorf("migrate analytics store: %w", err)
	}

	db, err := sql.Open("sqlite", datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)

	slog.Info("using embedded sqlite analytics backend", "datasource", datasource)

	return &SQLiteBackend{
		db:    db,
		goqu:  goqu.New("sqlite3", db),
		table: goqu.T(DefaultTablePrefix + "analytics_events"),
	}, nil
}

func migrateDB(ctx context.Context, datasource string) error {
	db, err := sql.Open("sqlite", datasource)
	if err != nil {
		return fmt.Errorf("open sqlite connection for migration: %w", err)
	}
	defer db.Close()

	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    map[string]string{"TABLE_PREFIX": DefaultTablePrefix},
	}

	driver := muz.NewSQLiteDriver(db, DefaultTablePrefix+"analytics_migrations", slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Close() {
	b.db.Close()
}

func (b *SQLiteBackend) Append(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	query, _, err := b.goqu.Insert(b.table).Rows(goqu.Record{
		"id":          ev.ID,
		"timestamp_s": ev.TimestampS,
		"model":       ev.Request.Model,
		"endpoint":    ev.Request.Endpoint,
		"data":        string(data),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert event query: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Query(ctx context.Context, start, end time.Time, limit int) ([]Event, error) {
	ds := b.goqu.From(b.table).Select("data").Order(goqu.I("timestamp_s").Asc())
	if !start.IsZero() {
		ds = ds.Where(goqu.I("timestamp_s").Gte(float64(start.UnixMilli()) / 1000))
	}
	if !end.IsZero() {
		ds = ds.Where(goqu.I("timestamp_s").Lte(float64(end.UnixMilli()) / 1000))
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query events query: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}

		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			slog.Warn("skipping corrupt analytics row", "error", err)
			continue
		}
		result = append(result, ev)
	}

	return result, rows.Err()
}

func (b *SQLiteBackend) Aggregate(ctx context.Context, start, end time.Time) (*Aggregate, error) {
	events, err := b.Query(ctx, start, end, 0)
	if err != nil {
		return nil, err
	}
	return aggregateEvents(events), nil
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	query, _, err := b.goqu.Delete(b.table).ToSQL()
	if err != nil {
		return fmt.Errorf("build clear query: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Count(ctx context.Context) (int, error) {
	query, _, err := b.goqu.From(b.table).Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}

	var n int
	if err := b.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
