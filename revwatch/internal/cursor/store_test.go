package cursor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/revwatch/dbopen"
	"github.com/hazyhaar/revwatch/revwatch/review"
)

var timeZero time.Time

var entities = []review.Entity{entA, entB}

func TestFileStoreMissingStartsEmpty(t *testing.T) {
	st := NewStore(NewFileMedium(filepath.Join(t.TempDir(), "state.json")), entities, review.Entity{}, nil)
	m, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("missing state must not be an error: %v", err)
	}
	want := Mapping{entA.Key(): {}, entB.Key(): {}}
	if !m.Equal(want) {
		t.Fatalf("got %+v", m)
	}
}

func TestFileStoreCommitThenLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	st := NewStore(NewFileMedium(path), entities, review.Entity{}, nil)

	m := Mapping{entA.Key(): {ObservedCount: 7, LastSeenID: "r105"}, entB.Key(): {ObservedCount: 1, LastSeenID: "b1"}}
	if err := st.Commit(ctx, m); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Equal(m) {
		t.Fatalf("got %+v, want %+v", got, m)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected only the state file, got %d entries", len(entries))
	}
}

func TestFileStoreCorruptDegradesAndQuarantines(t *testing.T) {
	// WHAT: A corrupt file yields the empty default plus an error, and is moved aside.
	// WHY: A bad state file must never stop the run, nor be silently destroyed.
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	st := NewStore(NewFileMedium(path), entities, review.Entity{}, nil)
	m, err := st.Load(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(m) != 2 || m.Get(entA) != (Cursor{}) {
		t.Fatalf("expected empty default, got %+v", m)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("corrupt file should have been moved aside")
	}
	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("expected one quarantined file, got %v", matches)
	}
}

func TestFileStoreUnreadableDegrades(t *testing.T) {
	// A directory where the file should be cannot be read as state.
	path := t.TempDir()
	st := NewStore(NewFileMedium(path), entities, review.Entity{}, nil)
	m, err := st.Load(context.Background())
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Op != "read" {
		t.Fatalf("expected read PersistenceError, got %v", err)
	}
	if len(m) != 2 {
		t.Fatalf("expected default mapping, got %+v", m)
	}
}

func TestFileStoreCommitFailureIsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	st := NewStore(NewFileMedium(filepath.Join(blocker, "state.json")), entities, review.Entity{}, nil)
	err := st.Commit(context.Background(), Mapping{})
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Op != "write" {
		t.Fatalf("expected write PersistenceError, got %v", err)
	}
	if !errors.Is(err, ErrPersistence) {
		t.Fatal("should match ErrPersistence")
	}
}

func TestFileStoreLoadsLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review_state.json")
	legacy := `{"1_star_count": 12, "2_star_count": 3, "last_1_star_id": "r1", "last_2_star_id": null}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	shop1 := review.Entity{Source: "shop", Bucket: 1}
	shop2 := review.Entity{Source: "shop", Bucket: 2}
	st := NewStore(NewFileMedium(path), []review.Entity{shop1, shop2}, review.Entity{}, nil)

	m, err := st.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.Get(shop1) != (Cursor{ObservedCount: 12, LastSeenID: "r1"}) || m.Get(shop2) != (Cursor{ObservedCount: 3}) {
		t.Fatalf("got %+v", m)
	}

	// Loading is read-only: the legacy file stays untouched until a commit.
	raw, _ := os.ReadFile(path)
	if string(raw) != legacy {
		t.Error("load must not rewrite the state file")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	med, err := NewSQLiteMedium(db, "test")
	if err != nil {
		t.Fatal(err)
	}
	st := NewStore(med, entities, review.Entity{}, nil)

	m, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("empty load: %v", err)
	}
	m.Set(entA, Cursor{ObservedCount: 2, LastSeenID: "a2"})
	if err := st.Commit(ctx, m); err != nil {
		t.Fatalf("commit: %v", err)
	}
	m.Set(entB, Cursor{ObservedCount: 5, LastSeenID: "b5"})
	if err := st.Commit(ctx, m); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM watermark_state`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("rows = %d, want 1", rows)
	}

	got, err := st.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(m) {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestImportLegacyIntoSQLite(t *testing.T) {
	ctx := context.Background()
	med, err := NewSQLiteMedium(dbopen.OpenMemory(t), "test")
	if err != nil {
		t.Fatal(err)
	}
	st := NewStore(med, entities, entB, nil)

	m, from, err := st.Import(ctx, []byte(`{"count": 3, "lastId": "x1"}`))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if from != 1 {
		t.Errorf("from version = %d", from)
	}
	if m.Get(entB) != (Cursor{ObservedCount: 3, LastSeenID: "x1"}) || m.Get(entA) != (Cursor{}) {
		t.Fatalf("got %+v", m)
	}

	raw, err := med.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"version": 3`) {
		t.Fatalf("stored doc not current: %s", raw)
	}
}
