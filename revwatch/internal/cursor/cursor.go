// Package cursor is the watermark store: the persisted per-entity cursor
// (observed count, last seen item id), its versioned on-disk schema with
// the migration chain from legacy layouts, and the media it is written to.
//
// A committed mapping is always written whole. There are no per-entity
// writes, so a crash can never leave old and new cursors of different
// entities side by side.
package cursor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hazyhaar/revwatch/revwatch/review"
)

// ErrPersistence matches every *PersistenceError.
var ErrPersistence = errors.New("cursor: persistence failure")

// ErrNoState is returned by a Medium that holds no committed state yet.
var ErrNoState = errors.New("cursor: no committed state")

// PersistenceError reports an unreadable or unwritable medium.
type PersistenceError struct {
	Op     string // read, decode, migrate, encode, write
	Medium string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("cursor: %s %s: %v", e.Op, e.Medium, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPersistence) true.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Cursor is the watermark of one entity. An empty LastSeenID means no
// boundary has been established yet.
type Cursor struct {
	ObservedCount int    `json:"observed_count"`
	LastSeenID    string `json:"last_seen_id,omitempty"`
}

// HasBoundary reports whether a last-seen item id is recorded.
func (c Cursor) HasBoundary() bool { return c.LastSeenID != "" }

// Mapping is the whole watermark state keyed by review.Entity.Key.
type Mapping map[string]Cursor

// Get returns the cursor of e, or the zero cursor.
func (m Mapping) Get(e review.Entity) Cursor { return m[e.Key()] }

// Set stages c for e.
func (m Mapping) Set(e review.Entity, c Cursor) { m[e.Key()] = c }

// Clone returns an independent copy.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Ensure adds a zero cursor for every entity not present yet. Existing
// entries, including keys of entities no longer configured, are kept.
func (m Mapping) Ensure(entities []review.Entity) {
	for _, e := range entities {
		if _, ok := m[e.Key()]; !ok {
			m[e.Key()] = Cursor{}
		}
	}
}

// Keys returns the mapping keys in sorted order.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether both mappings hold the same cursors.
func (m Mapping) Equal(o Mapping) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		if w, ok := o[k]; !ok || w != v {
			return false
		}
	}
	return true
}
