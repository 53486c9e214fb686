// Package optimiser rewrites a dag.Node graph to a semantically
// equivalent but more efficient form by applying a fixed set of
// rewrites to fix-point: flatten normalisation, sinking a ParallelDo
// through a Flatten, fusing adjacent ParallelDos, converting an
// orphaned Combine into a plain ParallelDo, and inserting an identity
// ParallelDo ahead of a bare GroupByKey input.
package optimiser

import (
	"github.com/pkg/errors"

	"github.com/scoobi-go/scoobi/attr"
	"github.com/scoobi-go/scoobi/dag"
)

// ErrMaxIterations is returned if the rewrite loop does not reach a
// fix point within the iteration budget, which indicates a rewrite
// rule is oscillating rather than converging — an optimiser bug, not a
// property of any particular input graph.
var ErrMaxIterations = errors.New("optimiser: exceeded rewrite iteration budget without converging")

const maxIterations = 1000

// Optimise rewrites root to fix-point and returns the new root. The
// original graph (and every node in it) is left untouched; Optimise
// only ever builds new nodes, reusing an existing node object whenever
// a rewrite leaves it unchanged.
func Optimise(root dag.Node) (dag.Node, error) {
	cur := root
	for i := 0; i < maxIterations; i++ {
		next, changed, err := rewriteOnce(cur)
		if err != nil {
			return nil, err
		}
		if !changed {
			return next, nil
		}
		cur = next
	}
	return nil, ErrMaxIterations
}

// rewriteOnce applies every rewrite rule exactly once to every node of
// root (bottom-up), returning the new root and whether anything
// changed. A table built fresh over root anchors the Parents lookup
// fusion's legality check needs; since Optimise loops to fix-point, a
// fusion opportunity exposed only by this pass's own rewrites is
// picked up on the next call once a fresh table sees it.
func rewriteOnce(root dag.Node) (dag.Node, bool, error) {
	r := &rewriter{
		table: attr.NewTable(root),
		memo:  make(map[dag.ID]dag.Node),
	}
	out := r.rebuild(root)
	if r.err != nil {
		return nil, false, r.err
	}
	return out, r.changed, nil
}

type rewriter struct {
	table   *attr.Table
	memo    map[dag.ID]dag.Node
	changed bool
	err     error
}

func (r *rewriter) rebuild(n dag.Node) dag.Node {
	if r.err != nil {
		return n
	}
	if got, ok := r.memo[n.ID()]; ok {
		return got
	}
	out := dag.Walk[dag.Node](n, r)
	r.memo[n.ID()] = out
	return out
}

func (r *rewriter) VisitLoad(n *dag.Load) dag.Node   { return n }
func (r *rewriter) VisitReturn(n *dag.Return) dag.Node { return n }

func (r *rewriter) VisitOp(n *dag.Op) dag.Node {
	e1 := r.rebuild(n.E1)
	e2 := r.rebuild(n.E2)
	if r.err != nil {
		return n
	}
	if e1 == n.E1 && e2 == n.E2 {
		return n
	}
	out, err := dag.NewOp(e1, e2, n.F, n.OutputSerde())
	if err != nil {
		r.err = errors.Wrap(err, "optimiser: rebuilding Op")
		return n
	}
	return out
}

func (r *rewriter) VisitMaterialise(n *dag.Materialise) dag.Node {
	in := r.rebuild(n.In)
	if r.err != nil {
		return n
	}
	if in == n.In {
		return n
	}
	out, err := dag.NewMaterialise(in, n.OutputSerde())
	if err != nil {
		r.err = errors.Wrap(err, "optimiser: rebuilding Materialise")
		return n
	}
	return out
}

// VisitFlatten implements rule 1, flatten normalisation: a nested
// Flatten is absorbed into its parent's input list, and a Flatten left
// with a single input collapses to that input directly.
func (r *rewriter) VisitFlatten(n *dag.Flatten) dag.Node {
	rebuilt := make([]dag.Node, len(n.Ins))
	for i, in := range n.Ins {
		rebuilt[i] = r.rebuild(in)
	}
	if r.err != nil {
		return n
	}

	var flatIns []dag.Node
	absorbed := false
	for _, in := range rebuilt {
		if inner, ok := in.(*dag.Flatten); ok {
			flatIns = append(flatIns, inner.Ins...)
			absorbed = true
			continue
		}
		flatIns = append(flatIns, in)
	}

	if len(flatIns) == 1 {
		r.changed = true
		return flatIns[0]
	}

	if !absorbed && sameNodes(rebuilt, n.Ins) {
		return n
	}

	out, err := dag.NewFlatten(flatIns, n.OutputSerde())
	if err != nil {
		r.err = errors.Wrap(err, "optimiser: rebuilding Flatten")
		return n
	}
	r.changed = true
	return out
}

// VisitGroupByKey implements rule 5: every leaf path feeding a
// GroupByKey (following transparently through any Flatten, per §4.4's
// "directly or through a Flatten") must terminate in a ParallelDo, so
// the MSCR builder always finds a mapper set to own the shuffle's
// bridge. A Flatten whose branches are already ParallelDos is left
// alone — each branch is its own mapper — rather than collapsed into
// one wrapping identity over the whole union.
func (r *rewriter) VisitGroupByKey(n *dag.GroupByKey) dag.Node {
	in := r.rebuild(n.In)
	if r.err != nil {
		return n
	}

	mapped, err := r.ensureMapped(in)
	if err != nil {
		r.err = err
		return n
	}
	in = mapped

	if in == n.In {
		return n
	}
	out, err := dag.NewGroupByKey(in, n.OutputSerde())
	if err != nil {
		r.err = errors.Wrap(err, "optimiser: rebuilding GroupByKey")
		return n
	}
	return out
}

// ensureMapped guarantees n is a ParallelDo, or a Flatten whose
// branches all are (recursively), inserting identity ParallelDos
// wherever a branch is some other Arr variant (Load, GroupByKey,
// Combine).
func (r *rewriter) ensureMapped(n dag.Node) (dag.Node, error) {
	switch x := n.(type) {
	case *dag.ParallelDo:
		return x, nil
	case *dag.Flatten:
		branches := make([]dag.Node, len(x.Ins))
		changed := false
		for i, branch := range x.Ins {
			mapped, err := r.ensureMapped(branch)
			if err != nil {
				return nil, err
			}
			if mapped != branch {
				changed = true
			}
			branches[i] = mapped
		}
		if !changed {
			return x, nil
		}
		r.changed = true
		return dag.NewFlatten(branches, x.OutputSerde())
	default:
		wrapped, err := dag.NewParallelDo(n, nil, dag.IdentityFn(), n.OutputSerde())
		if err != nil {
			return nil, errors.Wrap(err, "optimiser: inserting identity ParallelDo")
		}
		r.changed = true
		return wrapped, nil
	}
}

// VisitCombine implements rule 4: a Combine fed directly by a
// GroupByKey is left alone (the MSCR builder attaches it to the
// shuffle as the reducer); a Combine fed by anything else cannot be
// pushed into a reduce phase and is converted to an equivalent
// ParallelDo reducing its own value-group directly.
func (r *rewriter) VisitCombine(n *dag.Combine) dag.Node {
	in := r.rebuild(n.In)
	if r.err != nil {
		return n
	}

	if _, ok := in.(*dag.GroupByKey); ok {
		if in == n.In {
			return n
		}
		out, err := dag.NewCombine(in, n.Op, n.OutputSerde())
		if err != nil {
			r.err = errors.Wrap(err, "optimiser: rebuilding Combine")
			return n
		}
		return out
	}

	out, err := dag.NewParallelDo(in, nil, dag.ReduceFn(n.Op), n.OutputSerde())
	if err != nil {
		r.err = errors.Wrap(err, "optimiser: converting orphaned Combine to ParallelDo")
		return n
	}
	r.changed = true
	return out
}

// VisitParallelDo implements rules 2 (sink-of-flatten) and 3 (fusion),
// in that order, falling back to a plain rebuild if neither applies.
func (r *rewriter) VisitParallelDo(n *dag.ParallelDo) dag.Node {
	in := r.rebuild(n.In)
	var env dag.Node
	if n.Env != nil {
		env = r.rebuild(n.Env)
	}
	if r.err != nil {
		return n
	}

	if flat, ok := in.(*dag.Flatten); ok && !n.FuseBarrier {
		branches := make([]dag.Node, len(flat.Ins))
		for i, branchIn := range flat.Ins {
			b, err := dag.NewParallelDo(branchIn, env, n.Fn, n.OutputSerde())
			if err != nil {
				r.err = errors.Wrap(err, "optimiser: sinking ParallelDo through Flatten")
				return n
			}
			b.GroupBarrier = n.GroupBarrier
			b.FuseBarrier = n.FuseBarrier
			branches[i] = b
		}
		out, err := dag.NewFlatten(branches, n.OutputSerde())
		if err != nil {
			r.err = errors.Wrap(err, "optimiser: rebuilding sunk Flatten")
			return n
		}
		r.changed = true
		return out
	}

	if p1, ok := in.(*dag.ParallelDo); ok && !p1.GroupBarrier {
		parents, err := r.table.Parents(p1)
		if err != nil {
			r.err = err
			return n
		}
		if len(parents) == 1 {
			fusedEnv, err := pairEnvNodes(p1.Env, env)
			if err != nil {
				r.err = errors.Wrap(err, "optimiser: building fused ParallelDo environment")
				return n
			}
			out, err := dag.NewParallelDo(p1.In, fusedEnv, dag.ComposeFn(p1.Fn, n.Fn), n.OutputSerde())
			if err != nil {
				r.err = errors.Wrap(err, "optimiser: fusing adjacent ParallelDos")
				return n
			}
			out.GroupBarrier = p1.GroupBarrier || n.GroupBarrier
			out.FuseBarrier = n.FuseBarrier
			r.changed = true
			return out
		}
	}

	if in == n.In && env == n.Env {
		return n
	}
	out, err := dag.NewParallelDo(in, env, n.Fn, n.OutputSerde())
	if err != nil {
		r.err = errors.Wrap(err, "optimiser: rebuilding ParallelDo")
		return n
	}
	out.GroupBarrier = n.GroupBarrier
	out.FuseBarrier = n.FuseBarrier
	return out
}

// pairEnvNodes builds the Exp node a fused ParallelDo uses as its
// environment: Op(env1, env2, PairFunc). Either side may be nil
// (a ParallelDo ignoring its environment); a nil side is represented
// by a constant nil Return so the pairing is a real Op node that a
// fused DoFn's pairEnv helper can unpack symmetrically. When both sides
// are nil it returns nil and the fused ParallelDo has no environment.
func pairEnvNodes(a, b dag.Node) (dag.Node, error) {
	if a == nil && b == nil {
		return nil, nil
	}
	if a == nil {
		a = dag.NewReturn(nil, dag.Opaque("nil-env"))
	}
	if b == nil {
		b = dag.NewReturn(nil, dag.Opaque("nil-env"))
	}
	return dag.NewOp(a, b, dag.PairFunc, dag.Opaque("paired-env"))
}

func sameNodes(a, b []dag.Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
