package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Medium stores one opaque state document and replaces it atomically.
type Medium interface {
	// Read returns the last committed document, or ErrNoState.
	Read(ctx context.Context) ([]byte, error)
	// Write replaces the document. Readers see either the old or the new
	// document, never a mix.
	Write(ctx context.Context, doc []byte) error
	String() string
}

// FileMedium keeps the state in a JSON file, written through a temporary
// file in the same directory and renamed over the target.
type FileMedium struct {
	Path string
}

// NewFileMedium returns a FileMedium for path.
func NewFileMedium(path string) *FileMedium { return &FileMedium{Path: path} }

func (f *FileMedium) String() string { return "file:" + f.Path }

func (f *FileMedium) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	return data, err
}

func (f *FileMedium) Write(_ context.Context, doc []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return err
	}
	// Persist the rename itself. Not every platform can fsync a directory.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Quarantine moves an unreadable state file aside so the next commit does
// not destroy it. It returns the new path.
func (f *FileMedium) Quarantine(_ context.Context) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", f.Path, time.Now().Unix())
	if err := os.Rename(f.Path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// SQLiteSchema is applied by NewSQLiteMedium. The CHECK keeps the table to
// a single row: the whole mapping is one document.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS watermark_state (
    id           INTEGER PRIMARY KEY CHECK (id = 1),
    version      INTEGER NOT NULL,
    doc          TEXT NOT NULL,
    committed_at INTEGER NOT NULL
);
`

// SQLiteMedium keeps the state document in a single-row table.
type SQLiteMedium struct {
	db   *sql.DB
	name string
}

// NewSQLiteMedium applies SQLiteSchema on db and returns the medium.
// name is only used in logs and errors.
func NewSQLiteMedium(db *sql.DB, name string) (*SQLiteMedium, error) {
	if _, err := db.Exec(SQLiteSchema); err != nil {
		return nil, fmt.Errorf("cursor: apply schema: %w", err)
	}
	return &SQLiteMedium{db: db, name: name}, nil
}

func (s *SQLiteMedium) String() string { return "sqlite:" + s.name }

func (s *SQLiteMedium) Read(ctx context.Context) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM watermark_state WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

func (s *SQLiteMedium) Write(ctx context.Context, doc []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO watermark_state (id, version, doc, committed_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, doc = excluded.doc,
		committed_at = excluded.committed_at`,
		CurrentVersion, string(doc), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	return tx.Commit()
}
