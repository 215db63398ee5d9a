// Package postgres provides the Postgres-backed record cache.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	EntitiesTable   string
	PeopleTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// CacheStore keeps entity records and people in two tables. Records are stored as JSONB
// next to the columns used for lookups.
type CacheStore struct {
	pool     querier
	entities string
	people   string
	now      func() time.Time
}

// NewCacheStore connects to Postgres using cfg.
func NewCacheStore(ctx context.Context, cfg Config) (*CacheStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewCacheStoreWithPool(pool, cfg.EntitiesTable, cfg.PeopleTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewCacheStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCacheStoreWithPool(pool querier, entitiesTable, peopleTable string) (*CacheStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if entitiesTable == "" {
		entitiesTable = "entities"
	}
	if peopleTable == "" {
		peopleTable = "entity_people"
	}
	for _, table := range []string{entitiesTable, peopleTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &CacheStore{
		pool:     pool,
		entities: entitiesTable,
		people:   peopleTable,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock sets the clock used by AgeDays and returns the store.
func (s *CacheStore) WithClock(c registry.Clock) *CacheStore {
	s.now = c.Now
	return s
}

// Migrate creates the cache tables when they are missing.
func (s *CacheStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	key        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	flagged    BOOLEAN NOT NULL DEFAULT FALSE,
	fetched_at TIMESTAMPTZ NOT NULL,
	record     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
	key      TEXT NOT NULL,
	position INTEGER NOT NULL,
	role     TEXT NOT NULL,
	name     TEXT NOT NULL,
	record   JSONB NOT NULL,
	PRIMARY KEY (key, position)
)`, s.entities, s.people)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate cache tables: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *CacheStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Get returns the cached record or registry.ErrNotCached.
func (s *CacheStore) Get(ctx context.Context, key registry.EntityKey) (registry.EntityRecord, error) {
	var payload []byte
	query := fmt.Sprintf(`SELECT record FROM %s WHERE key = $1`, s.entities)
	if err := s.pool.QueryRow(ctx, query, key.String()).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return registry.EntityRecord{}, registry.ErrNotCached
		}
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
	query := fmt.Sprintf(`
INSERT INTO %s (key, name, flagged, fetched_at, record)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE SET
	name = EXCLUDED.name,
	flagged = EXCLUDED.flagged,
	fetched_at = EXCLUDED.fetched_at,
	record = EXCLUDED.record`, s.entities)
	if _, err := s.pool.Exec(ctx, query,
		record.Key.String(),
		record.Name,
		record.Flagged,
		record.FetchedAt,
		payload,
	); err != nil {
		return fmt.Errorf("upsert entity %s: %w", record.Key, err)
	}
	return nil
}

// GetPeople returns the stored people for key in stored order.
func (s *CacheStore) GetPeople(ctx context.Context, key registry.EntityKey) ([]registry.PersonRecord, error) {
	query := fmt.Sprintf(`SELECT record FROM %s WHERE key = $1 ORDER BY position`, s.people)
	rows, err := s.pool.Query(ctx, query, key.String())
	if err != nil {
		return nil, fmt.Errorf("select people %s: %w", key, err)
	}
	defer rows.Close()

	var people []registry.PersonRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
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
func (s *CacheStore) PutPeople(ctx context.Context, key registry.EntityKey, people []registry.PersonRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin people tx: %w", err)
	}
	if err := s.replacePeople(ctx, tx, key, people); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback people tx: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit people tx: %w", err)
	}
	return nil
}

func (s *CacheStore) replacePeople(ctx context.Context, tx pgx.Tx, key registry.EntityKey, people []registry.PersonRecord) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.people), key.String()); err != nil {
		return fmt.Errorf("delete people %s: %w", key, err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (key, position, role, name, record) VALUES ($1, $2, $3, $4, $5)`, s.people)
	for i, person := range people {
		payload, err := json.Marshal(person)
		if err != nil {
			return fmt.Errorf("marshal person: %w", err)
		}
		if _, err := tx.Exec(ctx, insert, key.String(), i, string(person.Role), person.Name, payload); err != nil {
			return fmt.Errorf("insert person %d for %s: %w", i, key, err)
		}
	}
	return nil
}

// AgeDays reports the age of the cached record in days; ok is false when absent.
func (s *CacheStore) AgeDays(ctx context.Context, key registry.EntityKey) (float64, bool, error) {
	var fetchedAt time.Time
	query := fmt.Sprintf(`SELECT fetched_at FROM %s WHERE key = $1`, s.entities)
	if err := s.pool.QueryRow(ctx, query, key.String()).Scan(&fetchedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("select fetched_at %s: %w", key, err)
	}
	return registry.AgeInDays(fetchedAt, s.now()), true, nil
}
