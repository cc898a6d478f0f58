package cursor

import (
	"fmt"

	"github.com/hazyhaar/revwatch/revwatch/review"
)

// MigrateContext carries what the legacy layouts leave implicit.
type MigrateContext struct {
	// Default receives the record of a v1 state; its source owns the
	// buckets of a v2 state.
	Default review.Entity
}

// Migrate upgrades s one version at a time until it reaches the current
// layout and returns its mapping. A KeyedV3 input is returned unchanged,
// so migrating already-current data is a no-op.
func Migrate(s Schema, mc MigrateContext) (Mapping, error) {
	for {
		switch v := s.(type) {
		case KeyedV3:
			return v.Cursors.Clone(), nil
		case FlatV1:
			next, err := upgradeV1(v, mc)
			if err != nil {
				return nil, err
			}
			s = next
		case BucketsV2:
			next, err := upgradeV2(v, mc)
			if err != nil {
				return nil, err
			}
			s = next
		default:
			return nil, fmt.Errorf("cursor: no migration from %T", s)
		}
	}
}

// upgradeV1 assigns the single flat record to the default entity's bucket.
func upgradeV1(s FlatV1, mc MigrateContext) (BucketsV2, error) {
	if err := mc.Default.Validate(); err != nil {
		return BucketsV2{}, fmt.Errorf("cursor: v1 state needs a default entity: %w", err)
	}
	return BucketsV2{Buckets: map[review.Bucket]Cursor{
		mc.Default.Bucket: {ObservedCount: s.Count, LastSeenID: s.LastID},
	}}, nil
}

// upgradeV2 keys every bucket under the default entity's source.
func upgradeV2(s BucketsV2, mc MigrateContext) (KeyedV3, error) {
	if err := mc.Default.Validate(); err != nil {
		return KeyedV3{}, fmt.Errorf("cursor: v2 state needs a default source: %w", err)
	}
	m := make(Mapping, len(s.Buckets))
	for b, c := range s.Buckets {
		m.Set(review.Entity{Source: mc.Default.Source, Bucket: b}, c)
	}
	return KeyedV3{Cursors: m}, nil
}
