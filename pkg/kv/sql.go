package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Dialect selects the schema variant for SQLStore and the audit SQL log.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store over database/sql. Versions are rows keyed by
// (key, version); a CAS inserts version expected+1 and loses on the primary key.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLStore wraps an open database. Call Init before use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock used for UpdatedAt.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) schema() string {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	return `
CREATE TABLE IF NOT EXISTS kv_entries (
	key TEXT NOT NULL,
	version BIGINT NOT NULL,
	value ` + blob + ` NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (key, version)
);
`
}

// Init creates the schema if needed.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schema()); err != nil {
		return fmt.Errorf("kv: init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `SELECT version, value, updated_at FROM kv_entries WHERE key = $1 ORDER BY version DESC LIMIT 1`
	return s.scanOne(s.db.QueryRowContext(ctx, query, key), key)
}

func (s *SQLStore) GetVersion(ctx context.Context, key string, version uint64) (*Entry, error) {
	query := `SELECT version, value, updated_at FROM kv_entries WHERE key = $1 AND version = $2`
	return s.scanOne(s.db.QueryRowContext(ctx, query, key, int64(version)), key)
}

func (s *SQLStore) scanOne(row *sql.Row, key string) (*Entry, error) {
	var (
		version   int64
		value     []byte
		updatedAt int64
	)
	if err := row.Scan(&version, &value, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("kv: read %s: %w", key, err)
	}
	return &Entry{
		Key:       key,
		Value:     value,
		Version:   uint64(version),
		UpdatedAt: time.Unix(0, updatedAt).UTC(),
	}, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) (*Entry, error) {
	return putWithCAS(ctx, s, key, value)
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (*Entry, error) {
	now := s.clock().UTC()
	next := expected + 1

	// Versions are contiguous from 1 and never removed, so once version
	// expected exists, version expected+1 is free exactly when expected is
	// the latest.
	if expected > 0 {
		if _, err := s.GetVersion(ctx, key, expected); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%s: expected version %d does not exist: %w", key, expected, ErrConflict)
			}
			return nil, err
		}
	}

	query := `INSERT INTO kv_entries (key, version, value, updated_at) VALUES ($1, $2, $3, $4) ON CONFLICT (key, version) DO NOTHING`
	res, err := s.db.ExecContext(ctx, query, key, int64(next), value, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("kv: write %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("kv: failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("%s: version %d already written: %w", key, next, ErrConflict)
	}
	return &Entry{Key: key, Value: append([]byte(nil), value...), Version: next, UpdatedAt: time.Unix(0, now.UnixNano()).UTC()}, nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT DISTINCT key FROM kv_entries WHERE key LIKE $1 ESCAPE '\' ORDER BY key`
	rows, err := s.db.QueryContext(ctx, query, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("kv: list %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
