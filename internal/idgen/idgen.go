// CLAUDE:SUMMARY Pluggable string ID generation; UUIDv7 default with prefixed composition for attempts and samples.

// Package idgen provides pluggable ID generation for the quiesce engine.
//
// Constructors across internal/ accept a Generator, making the ID strategy
// a startup-time decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Used for type-scoped identifiers (e.g. "att_", "smp_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Timestamped returns a Generator that produces IDs in the format
// "20060102T150405Z_<suffix>" where suffix comes from the inner generator.
func Timestamped(gen Generator) Generator {
	return func() string {
		return time.Now().UTC().Format("20060102T150405Z") + "_" + gen()
	}
}

// Short returns a Generator producing n random bytes hex-encoded. Compact
// ids for request tagging where global uniqueness is not required.
func Short(n int) Generator {
	return func() string {
		b := make([]byte, n)
		rand.Read(b)
		return hex.EncodeToString(b)
	}
}

// Default is the engine-wide default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}
