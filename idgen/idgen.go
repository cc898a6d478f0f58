// Package idgen generates identifiers for runs and history rows.
package idgen

import (
	"strconv"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time, which keeps run history naturally ordered.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence returns a deterministic Generator ("<prefix>1", "<prefix>2", ...)
// for tests and fixtures. It is not safe for concurrent use.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return prefix + strconv.Itoa(n)
	}
}

// Default is the generator used when none is configured.
var Default Generator = UUIDv7()

// New produces an ID with Default.
func New() string { return Default() }
