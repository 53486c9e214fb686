// Package dag defines the immutable node graph that Scoobi plans and
// executes: a closed set of Arr/Exp variants wired together by plain Go
// values, identity-tagged so the graph is safe to share between branches.
package dag

import "sync/atomic"

// ID uniquely identifies a node within a process. IDs are assigned
// monotonically at construction time and are never reused; graph identity
// and equality are defined by ID alone, never by structural content.
type ID uint64

var nextID atomic.Uint64

// NewID returns a fresh, process-unique ID. Concurrent callers are safe.
func NewID() ID {
	return ID(nextID.Add(1))
}
