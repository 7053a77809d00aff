// Package sqlitestore implements the cold, on-disk backend of the tiered
// store (spec §4.1): a disk-backed ordered embedded store using the pure-Go
// modernc.org/sqlite driver through jmoiron/sqlx, following the
// context.WithTimeout-per-call, $N-placeholder-turned-?, fmt.Errorf-wrapped
// idiom of internal/persistence/postgres/trades_repo.go.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS points (
	series_key TEXT NOT NULL,
	at_ms      INTEGER NOT NULL,
	value      REAL NOT NULL,
	PRIMARY KEY (series_key, at_ms)
);
`

// Store is the modernc.org/sqlite-backed cold-tier Store implementation.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	minGap  int64

	mu           sync.Mutex
	lastAccepted map[market.SeriesKey]int64
}

// Open opens (creating if absent) a sqlite database file at path and
// ensures the points table exists. minGapMs is the per-series write rate
// limit floor (spec §4.1).
func Open(path string, timeout time.Duration, minGapMs int64) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serialises writers per connection

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	return &Store{
		db:           db,
		timeout:      timeout,
		minGap:       minGapMs,
		lastAccepted: make(map[market.SeriesKey]int64),
	}, nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) Read(ctx context.Context, key market.SeriesKey, atMs int64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var value float64
	err := s.db.QueryRowxContext(ctx,
		`SELECT value FROM points WHERE series_key = ? AND at_ms = ?`,
		key.Encode(), atMs).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: read: %w", err)
	}
	return value, nil
}

func (s *Store) ReadRange(ctx context.Context, key market.SeriesKey, fromMs, toMs int64) ([]store.Point, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		`SELECT at_ms, value FROM points WHERE series_key = ? AND at_ms >= ? AND at_ms <= ? ORDER BY at_ms ASC`,
		key.Encode(), fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read_range: %w", err)
	}
	defer rows.Close()

	var out []store.Point
	for rows.Next() {
		var p store.Point
		if err := rows.Scan(&p.AtMs, &p.Value); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan point: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate range: %w", err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, key market.SeriesKey, atMs int64, value float64) (bool, error) {
	s.mu.Lock()
	last, seen := s.lastAccepted[key]
	if seen && atMs-last < s.minGap {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO points (series_key, at_ms, value) VALUES (?, ?, ?)
		 ON CONFLICT(series_key, at_ms) DO NOTHING`,
		key.Encode(), atMs, value)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlitestore: rows affected: %w", err)
	}
	if n == 0 {
		// Duplicate timestamp at this key: keep the earlier-accepted value.
		return false, nil
	}

	s.mu.Lock()
	s.lastAccepted[key] = atMs
	s.mu.Unlock()
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key market.SeriesKey, atMs int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM points WHERE series_key = ? AND at_ms = ?`, key.Encode(), atMs); err != nil {
		return fmt.Errorf("sqlitestore: delete: %w", err)
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, key market.SeriesKey, atsMs []int64) error {
	if len(atsMs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin delete_many transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM points WHERE series_key = ? AND at_ms = ?`)
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare delete_many: %w", err)
	}
	defer stmt.Close()

	encoded := key.Encode()
	for _, at := range atsMs {
		if _, err := stmt.ExecContext(ctx, encoded, at); err != nil {
			return fmt.Errorf("sqlitestore: delete_many exec: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) IterKeys(ctx context.Context) ([]market.SeriesKey, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `SELECT DISTINCT series_key FROM points`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: iter_keys: %w", err)
	}
	defer rows.Close()

	var keys []market.SeriesKey
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan key: %w", err)
		}
		key, err := market.DecodeSeriesKey(encoded)
		if err != nil {
			// A process reading an older store must tolerate past minor
			// variations in the composite-key schema (spec §6); skip rows
			// this build can't parse rather than failing the whole scan.
			continue
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate keys: %w", err)
	}
	return keys, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlitestore: close: %w", err)
	}
	return nil
}
