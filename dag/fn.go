package dag

import "context"

// identityFn is the DoFn inserted by the optimiser's "insert identity
// ParallelDo" rewrite, ahead of a GroupByKey input that isn't already a
// ParallelDo.
type identityFn struct{}

func (identityFn) Setup(context.Context) error { return nil }
func (identityFn) Process(_ context.Context, elem, _ any, emit Emit) error {
	emit(elem)
	return nil
}
func (identityFn) Cleanup(context.Context, Emit) error { return nil }

// IdentityFn returns a DoFn that emits each input element unchanged,
// ignoring its environment.
func IdentityFn() DoFn { return identityFn{} }

// fusedFn is the composed function produced by the ParallelDo fusion
// rewrite: g∘f, threading f's emitted values into g and forwarding both
// functions' Setup/Cleanup phases in order.
type fusedFn struct {
	f, g DoFn
}

func (x fusedFn) Setup(ctx context.Context) error {
	if err := x.f.Setup(ctx); err != nil {
		return err
	}
	return x.g.Setup(ctx)
}

func (x fusedFn) Process(ctx context.Context, elem, env any, emit Emit) error {
	pe := pairEnv(env)
	var processErr error
	bridge := func(v any) {
		if processErr != nil {
			return
		}
		if err := x.g.Process(ctx, v, pe.b, emit); err != nil {
			processErr = err
		}
	}
	if err := x.f.Process(ctx, elem, pe.a, bridge); err != nil {
		return err
	}
	return processErr
}

func (x fusedFn) Cleanup(ctx context.Context, emit Emit) error {
	var drainErr error
	drain := func(v any) {
		if drainErr != nil {
			return
		}
		if err := x.g.Process(ctx, v, nil, emit); err != nil {
			drainErr = err
		}
	}
	if err := x.f.Cleanup(ctx, drain); err != nil {
		return err
	}
	if drainErr != nil {
		return drainErr
	}
	return x.g.Cleanup(ctx, emit)
}

// ComposeFn returns g∘f: f runs first over each input element, and every
// value f emits is immediately processed by g. Used by the optimiser's
// ParallelDo fusion rewrite.
func ComposeFn(f, g DoFn) DoFn { return fusedFn{f: f, g: g} }

// pairedEnv is the paired environment value threaded through a fused
// function, carrying both original environments.
type pairedEnv struct{ a, b any }

func pairEnv(v any) pairedEnv {
	if p, ok := v.(pairedEnv); ok {
		return p
	}
	return pairedEnv{a: v, b: v}
}

// PairFunc combines two Exp values into the paired environment a fused
// ParallelDo's Env (an Op node) carries. It is the BinFunc passed to
// NewOp when the optimiser builds env1‿env2.
func PairFunc(a, b any) (any, error) {
	return pairedEnv{a: a, b: b}, nil
}

// reduceFn adapts an AssocOp into a DoFn that reduces one value-group
// (elem is expected to be a KV pair whose value is an Iterable of values)
// per the optimiser's "Combine → ParallelDo" rewrite. An empty group is
// always skipped (nothing is emitted) rather than treated as an error
// (see DESIGN.md).
type reduceFn struct {
	op AssocOp
}

// ReduceFn returns a DoFn implementing Combine's semantics directly: for
// an input (key, values []any), it folds values with op and emits (key,
// result). An empty values slice is skipped, not an error (see
// DESIGN.md's resolution of the Combine/empty-group open question).
func ReduceFn(op AssocOp) DoFn { return reduceFn{op: op} }

func (reduceFn) Setup(context.Context) error         { return nil }
func (reduceFn) Cleanup(context.Context, Emit) error { return nil }

func (r reduceFn) Process(_ context.Context, elem, _ any, emit Emit) error {
	kv, ok := elem.(KV)
	if !ok {
		return ErrNotKV
	}
	values, ok := kv.Value.([]any)
	if !ok {
		return ErrNotIterable
	}
	if len(values) == 0 {
		return nil
	}
	acc := values[0]
	for _, v := range values[1:] {
		next, err := r.op.Combine(acc, v)
		if err != nil {
			return err
		}
		acc = next
	}
	emit(KV{Key: kv.Key, Value: acc})
	return nil
}

// KV is the (key, value) pair element type flowing into and out of
// GroupByKey and Combine. The core does not require user element types to
// use KV outside of these two variants, but GroupByKey/Combine DoFns in
// this module standardise on it.
type KV struct {
	Key   any
	Value any
}
