package revwatch

import (
	"github.com/hazyhaar/revwatch/revwatch/internal/cursor"
	"github.com/hazyhaar/revwatch/revwatch/internal/gateway"
	"github.com/hazyhaar/revwatch/revwatch/internal/runlog"
	"github.com/hazyhaar/revwatch/revwatch/review"
)

// Entity is one (source, bucket) pair.
type Entity = review.Entity

// Bucket is a star rating tier.
type Bucket = review.Bucket

// Item is one review in a listing.
type Item = review.Item

// Event is a new review to notify.
type Event = review.Event

// Cursor is the watermark of one entity.
type Cursor = cursor.Cursor

// Mapping holds the cursors of every entity, keyed by Entity.Key.
type Mapping = cursor.Mapping

// PersistenceError describes a watermark store failure.
type PersistenceError = cursor.PersistenceError

// Source is one reviewed product page.
type Source = gateway.Source

// Selectors locate counts and items on a source's pages.
type Selectors = gateway.Selectors

// Run is a recorded run from the history.
type Run = runlog.Run

// RunEntity is the outcome of one entity in a recorded run.
type RunEntity = runlog.Entity

// ParseCount normalises a displayed review total ("1,234", "1.7K").
func ParseCount(s string) (int, error) { return gateway.ParseCount(s) }
