// Package dbopen opens the SQLite databases used by revwatch (watermark
// state, run history) with the pragmas every writer relies on:
//
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = FULL   (state commits must survive power loss)
//	foreign_keys = ON
//
// The "sqlite" driver comes from modernc.org/sqlite, registered here so
// callers never need a blank import.
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

type options struct {
	busyTimeout int
	synchronous string
	mkdirAll    bool
	schemas     []string
}

// Option customises Open.
type Option func(*options)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous (OFF, NORMAL, FULL, EXTRA).
func WithSynchronous(mode string) Option { return func(o *options) { o.synchronous = mode } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSchema runs DDL after the pragmas. May be given several times.
func WithSchema(ddl string) Option { return func(o *options) { o.schemas = append(o.schemas, ddl) } }

// Open opens the database at path and applies pragmas and schemas.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeout: 10_000, synchronous: "FULL"}
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, o))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}

	for _, ddl := range o.schemas {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// dsn carries the pragmas as _pragma parameters so the driver applies
// them on every pooled connection, not only the first one.
func dsn(path string, o options) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", o.busyTimeout))
	q.Add("_pragma", fmt.Sprintf("synchronous(%s)", o.synchronous))
	q.Add("_pragma", "foreign_keys(1)")
	return path + "?" + q.Encode()
}

// OpenMemory opens a private in-memory database for tests. A single
// connection is kept so every query sees the same database; it is closed
// through t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
