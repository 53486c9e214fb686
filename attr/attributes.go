package attr

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/scoobi-go/scoobi/dag"
)

// parentIndex is itself an attribute, but one computed once for the
// whole table rather than per node: every node's parent list falls out
// of a single pass over the reachable set. It is memoised against the
// table's root under a synthetic key so repeated Parents/AllUses calls
// don't re-walk the graph.
func (t *Table) parentIndex() (map[dag.ID][]dag.Node, error) {
	return memo(t, "parentIndex", t.root, func() (map[dag.ID][]dag.Node, error) {
		idx := make(map[dag.ID][]dag.Node)
		added := make(map[dag.ID]map[dag.ID]bool)
		for _, n := range t.nodes {
			for _, in := range dag.Inputs(n) {
				if added[in.ID()] == nil {
					added[in.ID()] = make(map[dag.ID]bool)
				}
				if added[in.ID()][n.ID()] {
					continue // n already recorded as a parent of in (e.g. Op(e1, e1))
				}
				added[in.ID()][n.ID()] = true
				idx[in.ID()] = append(idx[in.ID()], n)
			}
		}
		for id, ps := range idx {
			sort.Slice(ps, func(i, j int) bool { return ps[i].ID() < ps[j].ID() })
			idx[id] = ps
		}
		return idx, nil
	})
}

// Parents returns every node that directly depends on n (n is one of
// their dag.Inputs), ordered by ascending id for determinism.
func (t *Table) Parents(n dag.Node) ([]dag.Node, error) {
	idx, err := t.parentIndex()
	if err != nil {
		return nil, err
	}
	return idx[n.ID()], nil
}

// AllUses returns every node that transitively depends on n, i.e. n's
// full downstream closure. It is Parents generalised to all ancestors
// in the consumer direction.
func (t *Table) AllUses(n dag.Node) ([]dag.Node, error) {
	return memo(t, "allUses", n, func() ([]dag.Node, error) {
		seen := make(map[dag.ID]bool)
		var out []dag.Node
		var walk func(dag.Node) error
		walk = func(cur dag.Node) error {
			parents, err := t.Parents(cur)
			if err != nil {
				return err
			}
			for _, p := range parents {
				if seen[p.ID()] {
					continue
				}
				seen[p.ID()] = true
				out = append(out, p)
				if err := walk(p); err != nil {
					return err
				}
			}
			return nil
		}
		if err := walk(n); err != nil {
			return nil, err
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
		return out, nil
	})
}

// UsesAsEnvironment returns every ParallelDo that uses n as its Env
// input (as opposed to its main Arr input).
func (t *Table) UsesAsEnvironment(n dag.Node) ([]*dag.ParallelDo, error) {
	return memo(t, "usesAsEnvironment", n, func() ([]*dag.ParallelDo, error) {
		parents, err := t.Parents(n)
		if err != nil {
			return nil, err
		}
		var out []*dag.ParallelDo
		for _, p := range parents {
			pd, ok := p.(*dag.ParallelDo)
			if ok && pd.Env != nil && pd.Env.ID() == n.ID() {
				out = append(out, pd)
			}
		}
		return out, nil
	})
}

// ReachableInputs returns every node n transitively depends on
// (n's own upstream closure), not including n itself.
func (t *Table) ReachableInputs(n dag.Node) ([]dag.Node, error) {
	return memo(t, "reachableInputs", n, func() ([]dag.Node, error) {
		all := dag.Reachable(n)
		out := make([]dag.Node, 0, len(all))
		for _, x := range all {
			if x.ID() != n.ID() {
				out = append(out, x)
			}
		}
		return out, nil
	})
}

// ReachableOutputs is AllUses under another name, matching the
// spec's pairing of ReachableInputs/ReachableOutputs as the upstream
// and downstream closures of a node.
func (t *Table) ReachableOutputs(n dag.Node) ([]dag.Node, error) {
	return t.AllUses(n)
}

// IsProcessNode reports whether n can own a persisted Bridge.
// Delegates to dag.IsProcessNode; exposed on Table for symmetry with
// the other attributes and so callers can treat it uniformly through
// the table.
func (t *Table) IsProcessNode(n dag.Node) bool {
	return dag.IsProcessNode(n)
}

// Bridge is the attribute-table's view of a process node's persisted
// intermediate output: an identifier stable for the lifetime of one
// planner run, used by registry to look up fill state in a
// store.BridgeStore without the attr package importing store (store is
// a leaf concern, attr is a graph concern; keeping this one-way avoids
// a cycle).
type Bridge struct {
	ID    string
	Owner dag.Node
}

// ErrNotProcessNode is returned by BridgeStoreOf for a node that cannot
// own a Bridge (Return, Op, Load, Materialise).
var ErrNotProcessNode = errors.New("attr: node is not a process node and cannot own a bridge")

// BridgeStoreOf returns the Bridge owned by n. n must be a process node
// (ParallelDo, GroupByKey, Combine, or Flatten); any other variant
// returns ErrNotProcessNode.
func (t *Table) BridgeStoreOf(n dag.Node) (*Bridge, error) {
	v, err := memo(t, "bridgeStoreOf", n, func() (*Bridge, error) {
		if !dag.IsProcessNode(n) {
			return nil, errors.Wrapf(ErrNotProcessNode, "node id %d (%T)", n.ID(), n)
		}
		return &Bridge{ID: fmt.Sprintf("bridge-%d", n.ID()), Owner: n}, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
