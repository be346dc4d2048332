// Package idgen provides pluggable ID generation for the organizer.
//
// A Generator is a plain function value, so ID strategies compose (see
// Prefixed). The reconciler names its runs with Prefixed("run_", UUIDv7());
// audit events carry no generated ID.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable and globally unique, so rows written by concurrent workers
// stay ordered by creation time.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "run_", "evt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator that produces "<prefix>0", "<prefix>1", ...
// Deterministic; intended for tests. Not safe for concurrent use.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		id := fmt.Sprintf("%s%d", prefix, n)
		n++
		return id
	}
}
