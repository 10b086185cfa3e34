// Package id generates TypeID-based identifiers for moroq entities.
//
// Generated IDs are K-sortable (UUIDv7-based), globally unique, and
// URL-safe in the format "prefix_suffix". Job IDs are plain strings at the
// data-model level so that caller-supplied idempotent keys remain legal;
// this package is only the generator for the default case.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a generated ID.
type Prefix string

const (
	// PrefixJob is the prefix for job IDs.
	PrefixJob Prefix = "job"
	// PrefixWorker is the prefix for worker/consumer IDs.
	PrefixWorker Prefix = "wkr"
)

// New generates a new globally unique ID string with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// NewJobID generates a new unique job ID.
func NewJobID() string { return New(PrefixJob) }

// NewWorkerID generates a new unique worker ID.
func NewWorkerID() string { return New(PrefixWorker) }

// Valid reports whether s parses as a TypeID. Caller-supplied job IDs are
// not required to pass this check; it exists for callers that want to
// distinguish generated IDs from custom keys.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	_, err := typeid.Parse(s)
	return err == nil
}
