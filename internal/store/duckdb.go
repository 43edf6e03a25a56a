package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDB is the file-backed store. An empty path opens an in-memory database.
type DuckDB struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewDuckDB opens (or creates) the database at path and initializes its tables
func NewDuckDB(path string, now func() time.Time) (*DuckDB, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB connection: %w", err)
	}

	s := &DuckDB{db: db, path: path, now: clock(now)}
	if err := s.initializeTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store tables: %w", err)
	}

	return s, nil
}

// Path returns the database file path ("" for in-memory)
func (s *DuckDB) Path() string {
	return s.path
}

// Close closes the database connection
func (s *DuckDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *DuckDB) initializeTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS kv_store (
			key VARCHAR PRIMARY KEY,
			value TEXT NOT NULL,          -- JSON-encoded value
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP          -- NULL = option, never expires
		)`,

		`CREATE TABLE IF NOT EXISTS store_stats (
			id INTEGER PRIMARY KEY,
			total_hits BIGINT DEFAULT 0,
			total_misses BIGINT DEFAULT 0,
			last_cleanup TIMESTAMP
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO store_stats (id) VALUES (1)`)
	return err
}

// Get decodes the value stored under key into dst. Expired transients are
// removed and reported as missing.
func (s *DuckDB) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	var data string
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at
		FROM kv_store
		WHERE key = ?
	`, key).Scan(&data, &expiresAt)

	if err != nil {
		if err == sql.ErrNoRows {
			s.incrementMisses(ctx)
			return false, nil
		}
		return false, fmt.Errorf("failed to query store: %w", err)
	}

	if expiresAt.Valid && !s.now().Before(expiresAt.Time) {
		s.incrementMisses(ctx)
		s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
		return false, nil
	}

	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return false, fmt.Errorf("failed to unmarshal stored value %q: %w", key, err)
	}

	s.incrementHits(ctx)
	return true, nil
}

// Set stores value under key, replacing any previous value
func (s *DuckDB) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value %q: %w", key, err)
	}

	now := s.now()
	var expiresAt *time.Time
	if ttl > 0 {
		expires := now.Add(ttl)
		expiresAt = &expires
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO kv_store
		(key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, key, string(jsonData), now, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store %q: %w", key, err)
	}

	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *DuckDB) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix
func (s *DuckDB) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE starts_with(key, ?)`, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete prefix %q: %w", prefix, err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// Entries lists stored keys ordered by key, including expired ones not yet purged
func (s *DuckDB) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, length(value), created_at, expires_at
		FROM kv_store
		ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list store entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var entry Entry
		var size int64
		var expiresAt sql.NullTime
		if err := rows.Scan(&entry.Key, &size, &entry.CreatedAt, &expiresAt); err != nil {
			return nil, err
		}
		entry.Size = int(size)
		if expiresAt.Valid {
			t := expiresAt.Time
			entry.ExpiresAt = &t
		}
		entry.Kind = kindOf(entry.ExpiresAt)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// PurgeExpired removes expired transients
func (s *DuckDB) PurgeExpired(ctx context.Context) (int, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_store
		WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now)
	if err != nil {
		return 0, err
	}

	deleted, _ := result.RowsAffected()

	_, err = s.db.ExecContext(ctx, `UPDATE store_stats SET last_cleanup = ? WHERE id = 1`, now)
	return int(deleted), err
}

// Stats returns lookup statistics and the number of stored keys
func (s *DuckDB) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	var lastCleanup sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT total_hits, total_misses, last_cleanup
		FROM store_stats
		WHERE id = 1
	`).Scan(&stats.TotalHits, &stats.TotalMisses, &lastCleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to read store stats: %w", err)
	}
	if lastCleanup.Valid {
		t := lastCleanup.Time
		stats.LastCleanup = &t
	}
	stats.HitRate = hitRate(stats.TotalHits, stats.TotalMisses)

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_store`).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count store entries: %w", err)
	}
	stats.Entries = int(count)

	return &stats, nil
}

func (s *DuckDB) incrementHits(ctx context.Context) {
	s.db.ExecContext(ctx, `UPDATE store_stats SET total_hits = total_hits + 1 WHERE id = 1`)
}

func (s *DuckDB) incrementMisses(ctx context.Context) {
	s.db.ExecContext(ctx, `UPDATE store_stats SET total_misses = total_misses + 1 WHERE id = 1`)
}
