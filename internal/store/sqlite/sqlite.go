package sqlite

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// WAL mode allows many readers alongside the single writer; four read
	// connections is plenty for this workload.
	readerConns = 4
)

// openWriter opens the database for writes. The pool is pinned to one
// connection so writes serialize in Go instead of surfacing SQLITE_BUSY.
func openWriter(dbPath string, busyTimeout time.Duration) (*sqlx.DB, error) {
	path, err := prepareFile(dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite3", dsn(path, "rwc", busyTimeout, url.Values{
		// The writer owns the database-level settings: WAL for read
		// concurrency, synchronous=NORMAL as the durability tradeoff.
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// openReader opens a read-only pool. Under WAL, readers neither block
// nor are blocked by the writer.
func openReader(dbPath string, busyTimeout time.Duration) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", dsn(absPath(dbPath), "ro", busyTimeout, nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	db.SetMaxOpenConns(readerConns)
	db.SetMaxIdleConns(readerConns)
	return db, nil
}

// dsn assembles a go-sqlite3 file URI. Every connection gets foreign key
// enforcement, a shared page cache, and a busy timeout to ride out
// transient locks.
func dsn(path, mode string, busyTimeout time.Duration, extra url.Values) string {
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	q := url.Values{
		"_foreign_keys": {"on"},
		"_mode":         {mode},
		"_busy_timeout": {strconv.Itoa(int(busyTimeout / time.Millisecond))},
		"_cache":        {"shared"},
	}
	for k, v := range extra {
		q[k] = v
	}
	return "file:" + path + "?" + q.Encode()
}

// prepareFile resolves the path and creates the parent directory and an
// empty database file when missing.
func prepareFile(dbPath string) (string, error) {
	path := absPath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create database file: %w", err)
	}
	return path, f.Close()
}

func absPath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
