package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/scoobi-go/scoobi/dag"
	"github.com/scoobi-go/scoobi/jobrun"
	"github.com/scoobi-go/scoobi/registry"
	"github.com/scoobi-go/scoobi/scoobicfg"
	"github.com/scoobi-go/scoobi/store"
	"github.com/scoobi-go/scoobi/telemetry"
)

type sliceSource struct {
	elems []any
	serde dag.Serde
}

func (s sliceSource) InputSplits(context.Context) ([]dag.Split, error) {
	return []dag.Split{sliceSplit(len(s.elems))}, nil
}
func (s sliceSource) Reader(context.Context, dag.Split) (dag.Iterator, error) {
	return &sliceIterator{elems: s.elems}, nil
}
func (s sliceSource) Serde() dag.Serde      { return s.serde }
func (s sliceSource) EstimatedBytes() int64 { return int64(len(s.elems)) }

type sliceSplit int

func (s sliceSplit) Bytes() int64 { return int64(s) }

type sliceIterator struct {
	elems []any
	pos   int
}

func (it *sliceIterator) Next(context.Context) (any, bool, error) {
	if it.pos >= len(it.elems) {
		return nil, false, nil
	}
	v := it.elems[it.pos]
	it.pos++
	return v, true, nil
}
func (it *sliceIterator) Close() error { return nil }

func mustPD(t *testing.T, in, env dag.Node, fn dag.DoFn) *dag.ParallelDo {
	t.Helper()
	pd, err := dag.NewParallelDo(in, env, fn, dag.Opaque("kv"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return pd
}

type splitWordsFn struct{}

func (splitWordsFn) Setup(context.Context) error { return nil }
func (splitWordsFn) Process(_ context.Context, elem, _ any, emit dag.Emit) error {
	emit(dag.KV{Key: elem, Value: 1})
	return nil
}
func (splitWordsFn) Cleanup(context.Context, dag.Emit) error { return nil }

func sumOp(a, b any) (any, error) { return a.(int) + b.(int), nil }

// newExecutor wires an in-memory Executor: memory store, in-memory
// bridge data, a LocalRunner, and a buffered emitter, all unthrottled.
func newExecutor(t *testing.T, runner jobrun.Runner) (*Executor, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	reg := registry.New(st, registry.NewMemoryBridgeData())
	cfg := scoobicfg.Defaults()
	cfg.ConcurrentJobs = true
	return New(cfg, "run-exec", reg, runner, nil, st, telemetry.NewBufferedEmitter(), nil), st
}

func wordCountMSCR(t *testing.T, words []any) *dag.Combine {
	t.Helper()
	load := dag.NewLoad(sliceSource{elems: words, serde: dag.Opaque("word")})
	mapper := mustPD(t, load, nil, splitWordsFn{})
	gbk, err := dag.NewGroupByKey(mapper, dag.Opaque("grouped"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	combine, err := dag.NewCombine(gbk, dag.AssocOpFunc(sumOp), dag.Opaque("counts"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return combine
}

func countsOf(t *testing.T, elems []any) map[any]int {
	t.Helper()
	out := make(map[any]int, len(elems))
	for _, e := range elems {
		kv, ok := e.(dag.KV)
		if !ok {
			t.Fatalf("expected a dag.KV element, got %T", e)
		}
		out[kv.Key] = kv.Value.(int)
	}
	return out
}

func TestExecuteMaterialiseRunsWordCount(t *testing.T) {
	combine := wordCountMSCR(t, []any{"a", "b", "a", "c", "b", "a"})
	mat, err := dag.NewMaterialise(combine, dag.Opaque("counts"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, _ := newExecutor(t, jobrun.NewLocalRunner())
	got, err := e.Execute(context.Background(), mat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts := countsOf(t, got.([]any))
	if counts["a"] != 3 || counts["b"] != 2 || counts["c"] != 1 {
		t.Fatalf("unexpected word counts: %v", counts)
	}
}

func TestExecuteArrRootWithNoReturnFillsBridgeWithoutReturningAValue(t *testing.T) {
	load := dag.NewLoad(sliceSource{elems: []any{"x", "y"}, serde: dag.Opaque("word")})
	mapper := mustPD(t, load, nil, dag.IdentityFn())

	e, st := newExecutor(t, jobrun.NewLocalRunner())
	got, err := e.Execute(context.Background(), mapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected a bare Arr root to return nil, got %v", got)
	}

	filled, err := st.BridgeFilled(context.Background(), fmt.Sprintf("bridge-%d", mapper.ID()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filled {
		t.Fatalf("expected the mapper's own bridge to be marked filled")
	}
}

// countingRunner wraps a Runner to count how many jobs were actually
// submitted, so the skip-already-computed test can assert that a
// second run over an already-filled bridge dispatches nothing.
type countingRunner struct {
	inner   jobrun.Runner
	submits int32
}

func (c *countingRunner) Submit(ctx context.Context, spec jobrun.JobSpec) (jobrun.Handle, error) {
	atomic.AddInt32(&c.submits, 1)
	return c.inner.Submit(ctx, spec)
}
func (c *countingRunner) Wait(ctx context.Context, h jobrun.Handle) (jobrun.Outcome, error) {
	return c.inner.Wait(ctx, h)
}
func (c *countingRunner) Kill(ctx context.Context, h jobrun.Handle) error { return c.inner.Kill(ctx, h) }

func TestExecuteSkipsAlreadyComputedBridgeOnSecondRun(t *testing.T) {
	combine := wordCountMSCR(t, []any{"a", "b", "a"})
	mat, err := dag.NewMaterialise(combine, dag.Opaque("counts"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runner := &countingRunner{inner: jobrun.NewLocalRunner()}
	e, _ := newExecutor(t, runner)

	ctx := context.Background()
	if _, err := e.Execute(ctx, mat); err != nil {
		t.Fatalf("unexpected error on first run: %v", err)
	}
	firstSubmits := atomic.LoadInt32(&runner.submits)
	if firstSubmits == 0 {
		t.Fatalf("expected the first run to submit at least one job")
	}

	got, err := e.Execute(ctx, mat)
	if err != nil {
		t.Fatalf("unexpected error on second run: %v", err)
	}
	if atomic.LoadInt32(&runner.submits) != firstSubmits {
		t.Fatalf("expected the second run to submit no further jobs, dispatched %d more", atomic.LoadInt32(&runner.submits)-firstSubmits)
	}
	counts := countsOf(t, got.([]any))
	if counts["a"] != 2 || counts["b"] != 1 {
		t.Fatalf("expected the replayed bridge to carry the original counts, got %v", counts)
	}
}

func TestExecuteTwoLayerChainResolvesCrossLayerBridge(t *testing.T) {
	load := dag.NewLoad(sliceSource{elems: []any{"a", "b", "a"}, serde: dag.Opaque("word")})
	mapperA := mustPD(t, load, nil, splitWordsFn{})
	gbk1, err := dag.NewGroupByKey(mapperA, dag.Opaque("grouped"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	combineA, err := dag.NewCombine(gbk1, dag.AssocOpFunc(sumOp), dag.Opaque("counts"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// mapperB re-keys combineA's (word,count) pairs by a constant key so
	// the second GroupByKey/Combine sums every per-word count into one
	// grand total — a second MSCR that depends on the first layer's
	// bridge rather than on any Load.
	rekey := dag.DoFn(rekeyFn{})
	mapperB := mustPD(t, combineA, nil, rekey)
	gbk2, err := dag.NewGroupByKey(mapperB, dag.Opaque("grouped"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	combineB, err := dag.NewCombine(gbk2, dag.AssocOpFunc(sumOp), dag.Opaque("total"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mat, err := dag.NewMaterialise(combineB, dag.Opaque("total"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, _ := newExecutor(t, jobrun.NewLocalRunner())
	got, err := e.Execute(context.Background(), mat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts := countsOf(t, got.([]any))
	if counts["total"] != 3 {
		t.Fatalf("expected a grand total of 3, got %v", counts)
	}
}

type rekeyFn struct{}

func (rekeyFn) Setup(context.Context) error { return nil }
func (rekeyFn) Process(_ context.Context, elem, _ any, emit dag.Emit) error {
	kv := elem.(dag.KV)
	emit(dag.KV{Key: "total", Value: kv.Value})
	return nil
}
func (rekeyFn) Cleanup(context.Context, dag.Emit) error { return nil }

// envFn multiplies each integer element by its broadcast environment
// value, exercising the executor's environment-push path: the Return
// node supplying the multiplier is evaluated (and pushed) through an Op
// before the mapper that consumes it as Env is ever configured.
type envFn struct{}

func (envFn) Setup(context.Context) error { return nil }
func (envFn) Process(_ context.Context, elem, env any, emit dag.Emit) error {
	emit(elem.(int) * env.(int))
	return nil
}
func (envFn) Cleanup(context.Context, dag.Emit) error { return nil }

func TestExecuteOpPushesEnvironmentToMapperBeforeItRuns(t *testing.T) {
	multiplier := dag.NewReturn(3, dag.Opaque("int"))
	load := dag.NewLoad(sliceSource{elems: []any{1, 2, 3}, serde: dag.Opaque("int")})
	mapper := mustPD(t, load, multiplier, envFn{})

	identity, err := dag.NewOp(multiplier, multiplier, func(a, b any) (any, error) { return a, nil }, dag.Opaque("int"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mat, err := dag.NewMaterialise(mapper, dag.Opaque("int"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	op, err := dag.NewOp(identity, mat, func(a, b any) (any, error) { return b, nil }, dag.Opaque("any"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, _ := newExecutor(t, jobrun.NewLocalRunner())
	got, err := e.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	elems := got.([]any)
	sum := 0
	for _, v := range elems {
		sum += v.(int)
	}
	if sum != (1+2+3)*3 {
		t.Fatalf("expected elements scaled by the environment multiplier, got %v", elems)
	}
}
