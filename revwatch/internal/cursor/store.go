package cursor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/revwatch/revwatch/review"
)

type quarantiner interface {
	Quarantine(ctx context.Context) (string, error)
}

// Store loads and commits the watermark mapping of a fixed entity set.
type Store struct {
	medium   Medium
	entities []review.Entity
	mc       MigrateContext
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore creates a Store over medium. legacyDefault receives the record
// of a v1 state file; when zero, the first entity is used.
func NewStore(medium Medium, entities []review.Entity, legacyDefault review.Entity, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if legacyDefault == (review.Entity{}) && len(entities) > 0 {
		legacyDefault = entities[0]
	}
	return &Store{
		medium:   medium,
		entities: append([]review.Entity(nil), entities...),
		mc:       MigrateContext{Default: legacyDefault},
		logger:   logger,
		now:      time.Now,
	}
}

// Medium returns the underlying medium.
func (s *Store) Medium() Medium { return s.medium }

// Load returns the last committed mapping with a zero cursor for every
// configured entity it does not know yet. The mapping is always usable:
// a missing state is the empty default, and an unreadable or corrupt
// state degrades to the empty default with a non-nil *PersistenceError
// describing why.
func (s *Store) Load(ctx context.Context) (Mapping, error) {
	empty := Mapping{}
	empty.Ensure(s.entities)

	raw, err := s.medium.Read(ctx)
	if errors.Is(err, ErrNoState) {
		s.logger.Info("cursor: no prior state, starting empty", "medium", s.medium.String())
		return empty, nil
	}
	if err != nil {
		perr := &PersistenceError{Op: "read", Medium: s.medium.String(), Err: err}
		s.logger.Warn("cursor: state unreadable, starting empty", "error", perr)
		return empty, perr
	}

	m, from, err := s.decode(raw)
	if err != nil {
		s.quarantine(ctx)
		s.logger.Warn("cursor: state corrupt, starting empty", "error", err)
		return empty, err
	}
	if from != CurrentVersion {
		s.logger.Info("cursor: migrated legacy state", "from_version", from, "to_version", CurrentVersion,
			"medium", s.medium.String())
	}
	m.Ensure(s.entities)
	return m, nil
}

// Import decodes and migrates a foreign state document (a legacy state
// file, typically) and commits it as the current state.
func (s *Store) Import(ctx context.Context, raw []byte) (Mapping, int, error) {
	m, from, err := s.decode(raw)
	if err != nil {
		return nil, 0, err
	}
	m.Ensure(s.entities)
	if err := s.Commit(ctx, m); err != nil {
		return nil, from, err
	}
	return m, from, nil
}

func (s *Store) decode(raw []byte) (Mapping, int, error) {
	schema, err := Decode(raw)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "decode", Medium: s.medium.String(), Err: err}
	}
	m, err := Migrate(schema, s.mc)
	if err != nil {
		return nil, schema.Version(), &PersistenceError{Op: "migrate", Medium: s.medium.String(), Err: err}
	}
	return m, schema.Version(), nil
}

func (s *Store) quarantine(ctx context.Context) {
	q, ok := s.medium.(quarantiner)
	if !ok {
		return
	}
	dst, err := q.Quarantine(ctx)
	if err != nil {
		s.logger.Warn("cursor: quarantine corrupt state failed", "error", err)
		return
	}
	s.logger.Warn("cursor: corrupt state moved aside", "path", dst)
}

// Commit replaces the persisted mapping with m in one write.
func (s *Store) Commit(ctx context.Context, m Mapping) error {
	doc, err := Encode(m, s.now())
	if err != nil {
		return &PersistenceError{Op: "encode", Medium: s.medium.String(), Err: err}
	}
	if err := s.medium.Write(ctx, doc); err != nil {
		return &PersistenceError{Op: "write", Medium: s.medium.String(), Err: err}
	}
	s.logger.Debug("cursor: committed", "medium", s.medium.String(), "entities", len(m))
	return nil
}
