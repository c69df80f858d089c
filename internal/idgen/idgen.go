// Package idgen produces the opaque identifiers used for changes, comments,
// snapshots and connections.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

/*
LEARNING: PLUGGABLE ID STRATEGY

Every component that mints ids takes a Generator instead of calling a library
directly. Production wires KSUID (time-ordered, 27 chars), tests wire
Sequential so expected ids can be written down literally.
*/

// Generator produces unique string identifiers.
type Generator func() string

// KSUID returns a Generator backed by segmentio/ksuid.
func KSUID() Generator {
	return func() string {
		return ksuid.New().String()
	}
}

// UUID returns a Generator producing RFC 9562 version 7 UUIDs.
func UUID() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every id produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequential returns a deterministic Generator: prefix1, prefix2, ...
// Safe for concurrent use.
func Sequential(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// ByName returns the generator for a configured id format: "ksuid" or "uuid".
func ByName(name string) (Generator, error) {
	switch name {
	case "", "ksuid":
		return KSUID(), nil
	case "uuid":
		return UUID(), nil
	default:
		return nil, fmt.Errorf("unknown id format %q", name)
	}
}

// Default is the process-wide strategy.
var Default Generator = KSUID()

// New produces an id using Default.
func New() string {
	return Default()
}
