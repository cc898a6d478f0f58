// Package change decides whether an entity has new items and isolates
// them from a newest-first listing snapshot. Everything here is pure.
package change

import "github.com/hazyhaar/revwatch/revwatch/internal/cursor"

// ShouldWalk reports whether the freshly observed total exceeds the
// committed one. A shrinking or equal total never triggers a walk, which
// keeps the committed count monotonic.
func ShouldWalk(c cursor.Cursor, freshCount int) bool {
	return freshCount > c.ObservedCount
}
