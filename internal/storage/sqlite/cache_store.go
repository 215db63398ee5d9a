// Package sqlite provides a single-file record cache backed by the pure Go SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// CacheStore keeps entity records and people as JSON payloads in two tables.
type CacheStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*CacheStore, error) {
	if path == "" {
		path = "registry-cache.db"
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &CacheStore{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *CacheStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			key        TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			flagged    INTEGER NOT NULL DEFAULT 0,
			fetched_at TEXT NOT NULL,
			record     BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entity_people (
			key      TEXT NOT NULL,
			position INTEGER NOT NULL,
			role     TEXT NOT NULL,
			name     TEXT NOT NULL,
			record   BLOB NOT NULL,
			PRIMARY KEY (key, position)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// WithClock sets the clock used by AgeDays and returns the store.
func (s *CacheStore) WithClock(c registry.Clock) *CacheStore {
	s.now = c.Now
	return s
}

// Close closes the database.
func (s *CacheStore) Close() error {
	return s.db.Close()
}

// Path returns the configured database path.
func (s *CacheStore) Path() string { return s.path }

// Get returns the cached record or registry.ErrNotCached.
func (s *CacheStore) Get(ctx context.Context, key registry.EntityKey) (registry.EntityRecord, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM entities WHERE key = ?`, key.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.EntityRecord{}, registry.ErrNotCached
	}
	if err != nil {
		return registry.EntityRecord{}, fmt.Errorf("select entity %s: %w", key, err)
	}
	var rec registry.EntityRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return registry.EntityRecord{}, fmt.Errorf("decode entity %s: %w", key, err)
	}
	return rec, nil
}

// Put upserts the record for its key.
func (s *CacheStore) Put(ctx context.Context, record registry.EntityRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO entities(key, name, flagged, fetched_at, record) VALUES(?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			name=excluded.name,
			flagged=excluded.flagged,
			fetched_at=excluded.fetched_at,
			record=excluded.record`,
		record.Key.String(),
		record.Name,
		record.Flagged,
		record.FetchedAt.UTC().Format(time.RFC3339Nano),
		payload,
	)
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", record.Key, err)
	}
	return nil
}

// GetPeople returns the stored people for key in stored order.
func (s *CacheStore) GetPeople(ctx context.Context, key registry.EntityKey) ([]registry.PersonRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM entity_people WHERE key = ? ORDER BY position`, key.String())
	if err != nil {
		return nil, fmt.Errorf("select people %s: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	var people []registry.PersonRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var person registry.PersonRecord
		if err := json.Unmarshal(payload, &person); err != nil {
			return nil, fmt.Errorf("decode person: %w", err)
		}
		people = append(people, person)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate people %s: %w", key, err)
	}
	return people, nil
}

// PutPeople replaces the full person set for key in one transaction.
func (s *CacheStore) PutPeople(ctx context.Context, key registry.EntityKey, people []registry.PersonRecord) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin people tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_people WHERE key = ?`, key.String()); err != nil {
		return fmt.Errorf("delete people %s: %w", key, err)
	}
	for i, person := range people {
		payload, err := json.Marshal(person)
		if err != nil {
			return fmt.Errorf("marshal person: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_people(key, position, role, name, record) VALUES(?,?,?,?,?)`,
			key.String(), i, string(person.Role), person.Name, payload,
		); err != nil {
			return fmt.Errorf("insert person %d for %s: %w", i, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit people tx: %w", err)
	}
	return nil
}

// AgeDays reports the age of the cached record in days; ok is false when absent.
func (s *CacheStore) AgeDays(ctx context.Context, key registry.EntityKey) (float64, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fetched_at FROM entities WHERE key = ?`, key.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select fetched_at %s: %w", key, err)
	}
	fetchedAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse fetched_at %q: %w", raw, err)
	}
	return registry.AgeInDays(fetchedAt, s.now()), true, nil
}
