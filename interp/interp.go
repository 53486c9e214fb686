// Package interp is a direct reference evaluator over a planner graph:
// every Arr node becomes a Go slice and every Exp node a Go value,
// computed node by node with no MSCR partitioning, no layering, and no
// bridges. It exists so optimiser rewrites and the MSCR/executor path
// can be checked against a semantics no partitioning decision can
// possibly disturb: Interpret(root) and Interpret(Optimise(root)) must
// agree on every input.
package interp

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/scoobi-go/scoobi/dag"
)

// Interpret evaluates root directly: an Exp root (Return/Op/Materialise)
// returns its value; an Arr root returns its full element slice as a
// []any. Shared subgraphs are evaluated once and memoised by node ID, so
// a node with several parents is never recomputed.
func Interpret(ctx context.Context, root dag.Node) (any, error) {
	it := &interpreter{
		arrMemo: make(map[dag.ID][]any),
		expMemo: make(map[dag.ID]any),
	}
	switch root.Shape() {
	case dag.ShapeExp:
		return it.evalExp(ctx, root)
	case dag.ShapeArr:
		return it.evalArr(ctx, root)
	default:
		return nil, errors.Errorf("interp: node %d (%T) has neither Arr nor Exp shape", root.ID(), root)
	}
}

type interpreter struct {
	arrMemo map[dag.ID][]any
	expMemo map[dag.ID]any
}

func (it *interpreter) evalExp(ctx context.Context, n dag.Node) (any, error) {
	if v, ok := it.expMemo[n.ID()]; ok {
		return v, nil
	}

	var v any
	var err error
	switch x := n.(type) {
	case *dag.Return:
		v = x.Value

	case *dag.Op:
		a, aerr := it.evalExp(ctx, x.E1)
		if aerr != nil {
			return nil, aerr
		}
		b, berr := it.evalExp(ctx, x.E2)
		if berr != nil {
			return nil, berr
		}
		v, err = x.F(a, b)
		if err != nil {
			return nil, errors.Wrapf(err, "interp: applying Op %d", x.ID())
		}

	case *dag.Materialise:
		elems, merr := it.evalArr(ctx, x.In)
		if merr != nil {
			return nil, merr
		}
		v = elems

	default:
		return nil, errors.Errorf("interp: node %d (%T) is not an Exp node", n.ID(), n)
	}

	it.expMemo[n.ID()] = v
	return v, nil
}

func (it *interpreter) evalArr(ctx context.Context, n dag.Node) ([]any, error) {
	if v, ok := it.arrMemo[n.ID()]; ok {
		return v, nil
	}

	var v []any
	var err error
	switch x := n.(type) {
	case *dag.Load:
		v, err = drain(ctx, x.Source)
		if err != nil {
			return nil, errors.Wrapf(err, "interp: reading Load %d", x.ID())
		}

	case *dag.Flatten:
		for _, in := range x.Ins {
			elems, ferr := it.evalArr(ctx, in)
			if ferr != nil {
				return nil, ferr
			}
			v = append(v, elems...)
		}

	case *dag.ParallelDo:
		in, ierr := it.evalArr(ctx, x.In)
		if ierr != nil {
			return nil, ierr
		}
		var env any
		if x.Env != nil {
			env, err = it.evalExp(ctx, x.Env)
			if err != nil {
				return nil, err
			}
		}
		v, err = runDoFn(ctx, x.Fn, in, env)
		if err != nil {
			return nil, errors.Wrapf(err, "interp: running ParallelDo %d", x.ID())
		}

	case *dag.GroupByKey:
		in, ierr := it.evalArr(ctx, x.In)
		if ierr != nil {
			return nil, ierr
		}
		for _, kv := range groupByKey(in) {
			v = append(v, kv)
		}

	case *dag.Combine:
		in, ierr := it.evalArr(ctx, x.In)
		if ierr != nil {
			return nil, ierr
		}
		reduce := dag.ReduceFn(x.Op)
		for _, elem := range in {
			if err := reduce.Process(ctx, elem, nil, func(out any) { v = append(v, out) }); err != nil {
				return nil, errors.Wrapf(err, "interp: combining %d", x.ID())
			}
		}

	default:
		return nil, errors.Errorf("interp: node %d (%T) is not an Arr node", n.ID(), n)
	}

	it.arrMemo[n.ID()] = v
	return v, nil
}

// runDoFn drives fn's Setup/Process/Cleanup lifecycle over in, the same
// order jobrun.LocalRunner's runDoFn uses over a DataSource's splits —
// here collapsed to a single in-memory pass since interp has no splits
// to iterate.
func runDoFn(ctx context.Context, fn dag.DoFn, in []any, env any) ([]any, error) {
	if err := fn.Setup(ctx); err != nil {
		return nil, errors.Wrap(err, "Setup")
	}
	var out []any
	emit := func(v any) { out = append(out, v) }
	for _, elem := range in {
		if err := fn.Process(ctx, elem, env, emit); err != nil {
			return nil, errors.Wrap(err, "Process")
		}
	}
	if err := fn.Cleanup(ctx, emit); err != nil {
		return nil, errors.Wrap(err, "Cleanup")
	}
	return out, nil
}

// drain reads every split of src, in split order, into one slice.
func drain(ctx context.Context, src dag.DataSource) ([]any, error) {
	splits, err := src.InputSplits(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "InputSplits")
	}
	var out []any
	for _, split := range splits {
		it, err := src.Reader(ctx, split)
		if err != nil {
			return nil, errors.Wrap(err, "Reader")
		}
		for {
			elem, ok, err := it.Next(ctx)
			if err != nil {
				it.Close()
				return nil, errors.Wrap(err, "Next")
			}
			if !ok {
				break
			}
			out = append(out, elem)
		}
		if err := it.Close(); err != nil {
			return nil, errors.Wrap(err, "Close")
		}
	}
	return out, nil
}

// groupByKey shuffles elems (expected to be dag.KV pairs) into one
// dag.KV per distinct key, with Value set to the []any value-group,
// ordered by the key's string form for determinism — the same grouping
// discipline jobrun.LocalRunner's shuffle uses, since an element type is
// an opaque any with no natural order of its own.
func groupByKey(elems []any) []dag.KV {
	order := make([]string, 0)
	keys := make(map[string]any)
	groups := make(map[string][]any)

	for _, e := range elems {
		kv, ok := e.(dag.KV)
		if !ok {
			continue
		}
		ks := fmt.Sprint(kv.Key)
		if _, seen := groups[ks]; !seen {
			order = append(order, ks)
			keys[ks] = kv.Key
		}
		groups[ks] = append(groups[ks], kv.Value)
	}
	sort.Strings(order)

	out := make([]dag.KV, len(order))
	for i, ks := range order {
		out[i] = dag.KV{Key: keys[ks], Value: groups[ks]}
	}
	return out
}
