package keys

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/rakunlabs/muz"
	"github.com/worldline-go/types"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*
var migrationFS embed.FS

// DefaultTablePrefix prefixes all gateway tables in the embedded store.
var DefaultTablePrefix = "routiium_"

// SQLiteStore is the embedded key backend.
type SQLiteStore struct {
	db   *sql.DB
	goqu *goqu.Database

	table exp.IdentifierExpression
}

func NewSQLiteStore(ctx context.Context, datasource string) (*SQLiteStore, error) {
	if datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	if err := migrateDB(ctx, datasource); err != nil {
		return nil, fmt.Errorf("migrate key store: %w", err)
	}

	db, err := sql.Open("sqlite", datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent key operations.
	db.SetMaxOpenConns(1)

	slog.Info("using embedded sqlite key store", "datasource", datasource)

	return &SQLiteStore{
		db:    db,
		goqu:  goqu.New("sqlite3", db),
		table: goqu.T(DefaultTablePrefix + "api_keys"),
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

	driver := muz.NewSQLiteDriver(db, DefaultTablePrefix+"migrations", slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) selectQuery() *goqu.SelectDataset {
	return s.goqu.From(s.table).Select(
		"id", "secret_hash", "salt", "label", "scopes",
		"created_at", "expires_at", "revoked_at",
	)
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var rec Record
	err := scan(
		&rec.ID, &rec.SecretHash, &rec.Salt, &rec.Label, &rec.Scopes,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.RevokedAt,
	)
	return rec, err
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	record := goqu.Record{
		"id":          rec.ID,
		"secret_hash": rec.SecretHash,
		"salt":        rec.Salt,
		"label":       rec.Label,
		"scopes":      rec.Scopes,
		"created_at":  rec.CreatedAt,
		"expires_at":  rec.ExpiresAt,
		"revoked_at":  rec.RevokedAt,
	}

	query, _, err := s.goqu.Insert(s.table).Rows(record).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert key query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("insert key: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	query, _, err := s.selectQuery().Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get key query: %w", err)
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key: %w", err)
	}

	return &rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	query, _, err := s.selectQuery().Order(goqu.I("created_at").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list keys query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		result = append(result, rec)
	}

	return result, rows.Err()
}

func (s *SQLiteStore) Revoke(ctx context.Context, id string, at time.Time) error {
	query, _, err := s.goqu.Update(s.table).
		Set(goqu.Record{"revoked_at": types.NewTimeNull(at)}).
		Where(goqu.I("id").Eq(id), goqu.I("revoked_at").IsNull()).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build revoke query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("revoke key %q: %w", id, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Either unknown or already revoked; distinguish for callers.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLiteStore) SetExpiration(ctx context.Context, id string, at *time.Time) error {
	var expires types.Null[types.Time]
	if at != nil {
		expires = types.NewTimeNull(at.UTC())
	}

	query, _, err := s.goqu.Update(s.table).
		Set(goqu.Record{"expires_at": expires}).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build set expiration query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("set key expiration %q: %w", id, err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	query, _, err := s.goqu.Delete(s.table).
		Where(
			goqu.I("expires_at").IsNotNull(),
			goqu.I("expires_at").Lt(types.NewTime(before)),
		).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete expired query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete expired keys: %w", err)
	}

	affected, _ := res.RowsAffected()
	return int(affected), nil
}
