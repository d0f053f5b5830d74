package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	// SQLite driver registered as "sqlite3".
	_ "github.com/mattn/go-sqlite3"

	"github.com/jsamuelsen/quotesync/internal/platform/config"
)

const (
	sqliteDriver = "sqlite3"

	schemaKV = `
    CREATE TABLE IF NOT EXISTS kv (
        key         TEXT PRIMARY KEY,
        value       BLOB NOT NULL,
        updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );`

	queryGet    = `SELECT value FROM kv WHERE key = ?`
	queryUpsert = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store is closed")

// SQLite stores values in a single kv table of a WAL-mode sqlite file.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSQLite opens (creating if needed) the database at cfg.Path.
func NewSQLite(ctx context.Context, cfg config.SQLiteConfig, logger *slog.Logger) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("component", "kvstore.sqlite"))

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriver, dataSourceName(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen < 1 {
		maxOpen = 1
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaKV); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting up schema: %w", err)
	}

	logger.InfoContext(ctx, "sqlite store opened",
		slog.String("path", cfg.Path),
		slog.Int("max_open_conns", maxOpen))

	return &SQLite{db: db, path: cfg.Path, logger: logger}, nil
}

// dataSourceName enables WAL and a busy timeout unless the caller already
// passed query options.
func dataSourceName(path string) string {
	if strings.Contains(path, "?") {
		return path
	}

	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000"
}

// Get implements ports.KeyValueStore.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, readErr(key, err)
	}

	var value []byte

	err := s.db.QueryRowContext(ctx, queryGet, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(key)
	}

	if err != nil {
		return nil, readErr(key, err)
	}

	return value, nil
}

// Set implements ports.KeyValueStore.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	return s.SetAll(ctx, map[string][]byte{key: value})
}

// SetAll writes every entry in one transaction.
// Implements ports.KeyValueStore.
func (s *SQLite) SetAll(ctx context.Context, entries map[string][]byte) (err error) {
	key := batchKey(entries)

	if err := s.checkOpen(); err != nil {
		return writeErr(key, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr(key, err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, queryUpsert)
	if err != nil {
		return writeErr(key, err)
	}
	defer func() { _ = stmt.Close() }()

	for k, v := range entries {
		if _, err = stmt.ExecContext(ctx, k, v); err != nil {
			return writeErr(k, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return writeErr(key, err)
	}

	return nil
}

// Close implements ports.KeyValueStore. Closing twice is a no-op.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return s.db.Close()
}

// Name implements ports.HealthChecker.
func (s *SQLite) Name() string {
	return "sqlite"
}

// Check pings the database.
// Implements ports.HealthChecker.
func (s *SQLite) Check(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.db.PingContext(ctx)
}

func (s *SQLite) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	return nil
}
