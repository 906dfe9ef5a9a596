package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/httpcache-client/pkg/logging"
	// pure-Go sqlite driver, registers "sqlite"
	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
)

// SQLiteStore keeps records in a single SQLite table. expires_at and retain_until
// are stored as unix nanoseconds (NULL when absent) so Prune runs as one statement.
type SQLiteStore struct {
	db *sql.DB
	// sqlite allows one writer at a time
	writeMu *sync.Mutex
	clock   Clock
	logger  zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. An empty path opens a
// shared in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			expires_at INTEGER,
			retain_until INTEGER,
			record BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS cache_entries_expires_idx ON cache_entries (expires_at)`,
		`PRAGMA journal_mode=WAL`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{
		db:      db,
		writeMu: &sync.Mutex{},
		logger:  logging.NewLogger("sqlite-store"),
	}, nil
}

// Name implements Store.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM cache_entries WHERE key = ?`, key).Scan(&record)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			CacheErrors.WithLabelValues("get").Inc()
			s.logger.Warn().Err(err).Msg("SQLite read failed, treating as miss")
		}
		return nil, false
	}

	entry, err := UnmarshalEntry(record)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		s.logger.Debug().Err(err).Msg("Corrupt sqlite record treated as miss")
		return nil, false
	}
	if entry.IsDead(s.clock.now()) {
		s.Delete(ctx, key)
		return nil, false
	}
	return entry, true
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, key string, entry *CacheEntry, ttlOverride time.Duration) error {
	if entry == nil {
		return ErrNilEntry
	}
	stored := entry.withRetention(ttlOverride, s.clock.now())
	data, err := MarshalEntry(stored)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO cache_entries (key, created_at, expires_at, retain_until, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			retain_until = excluded.retain_until,
			record = excluded.record`,
		key, stored.CreatedAt.UnixNano(), unixNanoOrNull(stored.ExpiresAt), unixNanoOrNull(stored.RetainUntil), data)
	if err != nil {
		return fmt.Errorf("sqlite upsert: %w", err)
	}
	return nil
}

func unixNanoOrNull(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// Has implements Store.
func (s *SQLiteStore) Has(ctx context.Context, key string) bool {
	_, ok := s.Get(ctx, key)
	return ok
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("sqlite clear: %w", err)
	}
	return nil
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context) (int, error) {
	now := s.clock.now().UnixNano()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries
		WHERE expires_at IS NULL OR expires_at <= ?
		OR (retain_until IS NOT NULL AND retain_until <= ?)`, now, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite prune: %w", err)
	}
	return int(n), nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}
