// Package idgen provides pluggable ID generation for runs, anomalies and
// export manifests.
//
// Constructors across leakwatch accept a Generator so tests can pin IDs and
// deployments can choose the strategy at startup.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, which keeps run listings in start order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID
// (e.g. "run_", "anm_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator yielding prefix-0001, prefix-0002, ...
// Not safe for concurrent use; meant for tests and golden reports.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%04d", prefix, n)
	}
}

// Derive returns a name-based UUID v5 computed from parts inside the given
// namespace. Identical parts always yield the identical ID, which lets an
// import recognise rows it already holds.
func Derive(namespace uuid.UUID, parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "\x1f"))).String()
}

// AnomalyNamespace scopes Derive for anomaly record IDs.
var AnomalyNamespace = uuid.MustParse("6f1c5d0e-7a43-4c1e-9a53-2f0d3c8b9e11")

// Default is UUIDv7. Prefixed variants compose on top.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string (with an optional "xxx_" prefix stripped)
// and returns it unchanged.
func Parse(s string) (string, error) {
	raw := s
	if i := strings.IndexByte(s, '_'); i >= 0 {
		raw = s[i+1:]
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return s, nil
}
