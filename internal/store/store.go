// Package store persists patients, cases and analyses in SQLite.
// Nothing on the inference path reads these tables.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// pure Go driver, registered as "sqlite"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Config holds connection settings.
type Config struct {
	Path string
	// BusyTimeout in milliseconds.
	BusyTimeout  int
	MaxOpenConns int
}

// DefaultConfig returns WAL-friendly settings for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, BusyTimeout: 5000, MaxOpenConns: 1}
}

// PathFromURL accepts a plain path or a sqlite:// / file: URL.
func PathFromURL(u string) (string, error) {
	u = strings.TrimSpace(u)
	switch {
	case u == "":
		return "", errors.New("database path is required")
	case strings.HasPrefix(u, "sqlite://"):
		return strings.TrimPrefix(u, "sqlite://"), nil
	case strings.HasPrefix(u, "file:"):
		return strings.TrimPrefix(u, "file:"), nil
	case strings.Contains(u, "://"):
		return "", fmt.Errorf("unsupported database url %q: only sqlite is supported", u)
	}
	return u, nil
}

// openDB opens path and applies the pragmas every connection needs.
func openDB(cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout),
		"PRAGMA foreign_keys=ON",
	}
	for _, q := range pragmas {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", q, err)
		}
	}
	return db, nil
}

// Store is the repository over an open database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to the database at cfg.Path. Call Migrate first on a new file.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the connection.
func (s *Store) Ping() error { return s.db.Ping() }

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
