// Package attr implements a memoised attribute grammar over a dag.Node
// graph: a set of derived properties (parents, uses, reachability) that
// are expensive to recompute and are needed repeatedly by the optimiser,
// the MSCR builder and the executor.
package attr

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/scoobi-go/scoobi/dag"
)

// key identifies one memoised (attribute, node) cell.
type key struct {
	attr string
	node dag.ID
}

// ErrCycle is returned when computing an attribute recurses back into
// itself, which would otherwise deadlock or infinite-loop. This can only
// happen if a graph is not actually a DAG, or an attribute's own
// definition is mutually recursive in a way it shouldn't be.
var ErrCycle = errors.New("attr: cycle detected while computing attribute")

// Table is a lock-guarded cache of attribute values keyed by (attribute
// name, node id), built once per root and shared by every attribute
// query against that root. It is safe for concurrent use.
type Table struct {
	root dag.Node

	mu         sync.Mutex
	nodes      []dag.Node       // dag.Reachable(root), computed once
	byID       map[dag.ID]dag.Node
	cache      map[key]any
	inProgress map[key]bool
}

// NewTable builds an attribute table over every node reachable from
// root. The node set itself (not derived attributes) is computed eagerly
// since nearly every attribute needs it.
func NewTable(root dag.Node) *Table {
	nodes := dag.Reachable(root)
	return &Table{
		root:       root,
		nodes:      nodes,
		byID:       dag.ByID(nodes),
		cache:      make(map[key]any),
		inProgress: make(map[key]bool),
	}
}

// Nodes returns every node reachable from the table's root, in the
// post-order produced by dag.Reachable.
func (t *Table) Nodes() []dag.Node { return t.nodes }

// Lookup resolves a node by id within the table's reachable set.
func (t *Table) Lookup(id dag.ID) (dag.Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// memo runs compute for (attrName, n) at most once, caching the result
// (including a cache of a returned error is deliberately NOT done: a
// transient error should not poison future queries). A second call while
// the first is still in flight on the same goroutine chain indicates a
// cyclic attribute dependency and returns ErrCycle rather than deadlock.
func memo[T any](t *Table, attrName string, n dag.Node, compute func() (T, error)) (T, error) {
	k := key{attr: attrName, node: n.ID()}

	t.mu.Lock()
	if v, ok := t.cache[k]; ok {
		t.mu.Unlock()
		return v.(T), nil
	}
	if t.inProgress[k] {
		t.mu.Unlock()
		var zero T
		return zero, errors.Wrapf(ErrCycle, "%s(%d)", attrName, n.ID())
	}
	t.inProgress[k] = true
	t.mu.Unlock()

	v, err := compute()

	t.mu.Lock()
	delete(t.inProgress, k)
	if err == nil {
		t.cache[k] = v
	}
	t.mu.Unlock()

	return v, err
}

func (t *Table) String() string {
	return fmt.Sprintf("attr.Table{root=%d, nodes=%d}", t.root.ID(), len(t.nodes))
}
