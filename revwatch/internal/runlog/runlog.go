// Package runlog keeps the history of runs in SQLite: one row per run and
// one per entity outcome. It is a diagnostic record; the watermark store
// never reads it.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/revwatch/dbopen"
	"github.com/hazyhaar/revwatch/idgen"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("runlog: run not found")

// Schema is the DDL of the run history tables.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    status TEXT NOT NULL,
    checked INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    events INTEGER NOT NULL DEFAULT 0,
    undelivered INTEGER NOT NULL DEFAULT 0,
    heartbeat INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

CREATE TABLE IF NOT EXISTS run_entities (
    run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    entity TEXT NOT NULL,
    status TEXT NOT NULL,
    fresh_count INTEGER,
    before_count INTEGER NOT NULL,
    before_id TEXT NOT NULL DEFAULT '',
    after_count INTEGER NOT NULL,
    after_id TEXT NOT NULL DEFAULT '',
    new_items INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, seq)
);
`

// Run is one recorded pipeline run.
type Run struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      string    `json:"status"`
	Checked     int       `json:"checked"`
	Failed      int       `json:"failed"`
	Events      int       `json:"events"`
	Undelivered int       `json:"undelivered"`
	Heartbeat   bool      `json:"heartbeat"`
	Error       string    `json:"error,omitempty"`
	Entities    []Entity  `json:"entities,omitempty"`
}

// Entity is the outcome of one entity within a run.
type Entity struct {
	Key         string `json:"entity"`
	Status      string `json:"status"`
	FreshCount  *int   `json:"fresh_count,omitempty"`
	BeforeCount int    `json:"before_count"`
	BeforeID    string `json:"before_id,omitempty"`
	AfterCount  int    `json:"after_count"`
	AfterID     string `json:"after_id,omitempty"`
	NewItems    int    `json:"new_items"`
	Error       string `json:"error,omitempty"`
}

// Log reads and writes run history.
type Log struct {
	db    *sql.DB
	newID idgen.Generator
	owned bool
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Log, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSynchronous("NORMAL"), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("runlog: %w", err)
	}
	return &Log{db: db, newID: idgen.Prefixed("run_", idgen.Default), owned: true}, nil
}

// New wraps an existing database and applies the schema.
func New(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("runlog: schema: %w", err)
	}
	return &Log{db: db, newID: idgen.Prefixed("run_", idgen.Default)}, nil
}

// Close closes the database if Open created it.
func (l *Log) Close() error {
	if l.owned {
		return l.db.Close()
	}
	return nil
}

// Record stores r and its entity outcomes in one transaction. An empty
// r.ID is assigned.
func (l *Log) Record(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = l.newID()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runlog: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, finished_at, status, checked, failed, events, undelivered, heartbeat, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(), r.Status,
		r.Checked, r.Failed, r.Events, r.Undelivered, boolInt(r.Heartbeat), r.Error)
	if err != nil {
		return fmt.Errorf("runlog: insert run: %w", err)
	}

	for i, e := range r.Entities {
		var fresh sql.NullInt64
		if e.FreshCount != nil {
			fresh = sql.NullInt64{Int64: int64(*e.FreshCount), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_entities (run_id, seq, entity, status, fresh_count, before_count, before_id, after_count, after_id, new_items, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, i, e.Key, e.Status, fresh, e.BeforeCount, e.BeforeID, e.AfterCount, e.AfterID, e.NewItems, e.Error)
		if err != nil {
			return fmt.Errorf("runlog: insert entity %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runlog: commit: %w", err)
	}
	return nil
}

// List returns the most recent runs, newest first, without entity rows.
func (l *Log) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, started_at, finished_at, status, checked, failed, events, undelivered, heartbeat, error
		 FROM runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: list: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one run with its entity outcomes.
func (l *Log) Get(ctx context.Context, id string) (*Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT run_id, started_at, finished_at, status, checked, failed, events, undelivered, heartbeat, error
		 FROM runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT entity, status, fresh_count, before_count, before_id, after_count, after_id, new_items, error
		 FROM run_entities WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("runlog: entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entity
		var fresh sql.NullInt64
		if err := rows.Scan(&e.Key, &e.Status, &fresh, &e.BeforeCount, &e.BeforeID,
			&e.AfterCount, &e.AfterID, &e.NewItems, &e.Error); err != nil {
			return nil, fmt.Errorf("runlog: scan entity: %w", err)
		}
		if fresh.Valid {
			n := int(fresh.Int64)
			e.FreshCount = &n
		}
		r.Entities = append(r.Entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var started, finished int64
	var heartbeat int
	err := s.Scan(&r.ID, &started, &finished, &r.Status, &r.Checked, &r.Failed,
		&r.Events, &r.Undelivered, &heartbeat, &r.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("runlog: scan run: %w", err)
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	r.FinishedAt = time.UnixMilli(finished).UTC()
	r.Heartbeat = heartbeat != 0
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
