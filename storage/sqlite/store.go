// Package sqlite persists cache regions and the mutation queue in a single
// SQLite file, so both survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pokechat/pokeshell/internal/sqlitemigrate"
	"github.com/pokechat/pokeshell/storage"
	"github.com/pokechat/pokeshell/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed region and queue persistence.
type Store struct {
	sqlDB     *sql.DB
	closeOnce sync.Once
	closeErr  error
}

var (
	_ storage.RegionBackend = (*Store)(nil)
	_ storage.QueueStore    = (*Store)(nil)
)

// Open opens a SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps queue replacement and region purges strictly ordered.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection. Safe to call more than once, which
// matters when the same Store backs both the cache and the queue.
func (s *Store) Close(context.Context) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	s.closeOnce.Do(func() { s.closeErr = s.sqlDB.Close() })
	return s.closeErr
}

// ── Regions ──────────────────────────────────────────────

func (s *Store) CreateRegion(ctx context.Context, region string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_regions (name, created_at) VALUES (?, ?)`,
		region, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("create region: %w", err)
	}
	return nil
}

func (s *Store) Regions(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_regions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regions: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteRegion(ctx context.Context, region string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete region: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE region = ?`, region); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete region entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_regions WHERE name = ?`, region); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete region: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete region: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, region, key string) ([]byte, bool, error) {
	if err := s.ready(ctx); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM cache_entries WHERE region = ? AND key = ?`, region, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get entry: %w", err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, region, key string, value []byte) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_regions (name, created_at) VALUES (?, ?)`, region, now,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ensure region: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO cache_entries (region, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (region, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`, region, key, value, now); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("set entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set entry: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, region string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT key FROM cache_entries WHERE region = ? ORDER BY key`, region)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return out, nil
}

// ── Queue ────────────────────────────────────────────────

// Load returns the persisted queue in position order.
func (s *Store) Load(ctx context.Context) ([][]byte, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT payload FROM mutation_queue ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return out, nil
}

// Save replaces the whole queue in one transaction.
func (s *Store) Save(ctx context.Context, items [][]byte) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save queue: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mutation_queue`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear queue: %w", err)
	}
	for i, payload := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mutation_queue (position, payload) VALUES (?, ?)`, i, payload,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert queue item %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save queue: %w", err)
	}
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}
