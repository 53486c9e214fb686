package interp

import (
	"context"
	"testing"

	"github.com/scoobi-go/scoobi/dag"
	"github.com/scoobi-go/scoobi/optimiser"
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

type splitWordsFn struct{}

func (splitWordsFn) Setup(context.Context) error { return nil }
func (splitWordsFn) Process(_ context.Context, elem, _ any, emit dag.Emit) error {
	emit(dag.KV{Key: elem, Value: 1})
	return nil
}
func (splitWordsFn) Cleanup(context.Context, dag.Emit) error { return nil }

func sumOp(a, b any) (any, error) { return a.(int) + b.(int), nil }

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

func wordCountGraph(t *testing.T, words []any) *dag.Combine {
	t.Helper()
	load := dag.NewLoad(sliceSource{elems: words, serde: dag.Opaque("word")})
	mapper, err := dag.NewParallelDo(load, nil, splitWordsFn{}, dag.Opaque("kv"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
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

func TestInterpretWordCount(t *testing.T) {
	combine := wordCountGraph(t, []any{"a", "b", "a", "c", "b", "a"})
	mat, err := dag.NewMaterialise(combine, dag.Opaque("counts"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := Interpret(context.Background(), mat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts := countsOf(t, got.([]any))
	if counts["a"] != 3 || counts["b"] != 2 || counts["c"] != 1 {
		t.Fatalf("unexpected word counts: %v", counts)
	}
}

func TestInterpretBareArrRootReturnsElements(t *testing.T) {
	combine := wordCountGraph(t, []any{"x", "x", "y"})

	got, err := Interpret(context.Background(), combine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts := countsOf(t, got.([]any))
	if counts["x"] != 2 || counts["y"] != 1 {
		t.Fatalf("unexpected word counts: %v", counts)
	}
}

// TestInterpretAgreesWithOptimisedGraph is the semantics-preservation
// check the package exists for: optimising a graph must never change
// what it computes, only how it would be partitioned into MSCRs.
func TestInterpretAgreesWithOptimisedGraph(t *testing.T) {
	words := []any{"a", "b", "a", "c", "b", "a", "d"}
	original := wordCountGraph(t, words)
	matOriginal, err := dag.NewMaterialise(original, dag.Opaque("counts"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	optimised, err := optimiser.Optimise(matOriginal)
	if err != nil {
		t.Fatalf("unexpected error optimising: %v", err)
	}

	wantRaw, err := Interpret(context.Background(), matOriginal)
	if err != nil {
		t.Fatalf("unexpected error interpreting original: %v", err)
	}
	gotRaw, err := Interpret(context.Background(), optimised)
	if err != nil {
		t.Fatalf("unexpected error interpreting optimised: %v", err)
	}

	want := countsOf(t, wantRaw.([]any))
	got := countsOf(t, gotRaw.([]any))
	if len(want) != len(got) {
		t.Fatalf("optimised graph produced a different key set: want %v got %v", want, got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("optimised graph disagreed on %v: want %d got %d", k, v, got[k])
		}
	}
}

func TestInterpretFlattenConcatenatesBranches(t *testing.T) {
	loadA := dag.NewLoad(sliceSource{elems: []any{"a", "b"}, serde: dag.Opaque("word")})
	loadB := dag.NewLoad(sliceSource{elems: []any{"c"}, serde: dag.Opaque("word")})
	flatten, err := dag.NewFlatten([]dag.Node{loadA, loadB}, dag.Opaque("word"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mapper, err := dag.NewParallelDo(flatten, nil, splitWordsFn{}, dag.Opaque("kv"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := Interpret(context.Background(), mapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts := countsOf(t, got.([]any))
	if counts["a"] != 1 || counts["b"] != 1 || counts["c"] != 1 {
		t.Fatalf("unexpected word counts: %v", counts)
	}
}

type doubleFn struct{}

func (doubleFn) Setup(context.Context) error { return nil }
func (doubleFn) Process(_ context.Context, elem, _ any, emit dag.Emit) error {
	emit(elem.(int) * 2)
	return nil
}
func (doubleFn) Cleanup(context.Context, dag.Emit) error { return nil }

// TestInterpretSinkOfFlattenDoublesEachBranch runs spec.md §8 scenario
// 3's optimised form end to end: ParallelDo(Flatten([a,b]), env, fn)
// with a=[1,2], b=[3], fn(x)=x*2 yields {2,4,6}.
func TestInterpretSinkOfFlattenDoublesEachBranch(t *testing.T) {
	loadA := dag.NewLoad(sliceSource{elems: []any{1, 2}, serde: dag.Opaque("int")})
	loadB := dag.NewLoad(sliceSource{elems: []any{3}, serde: dag.Opaque("int")})
	flatten, err := dag.NewFlatten([]dag.Node{loadA, loadB}, dag.Opaque("int"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pd, err := dag.NewParallelDo(flatten, nil, doubleFn{}, dag.Opaque("int"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	optimised, err := optimiser.Optimise(pd)
	if err != nil {
		t.Fatalf("unexpected error optimising: %v", err)
	}
	if _, ok := optimised.(*dag.Flatten); !ok {
		t.Fatalf("expected sink-of-flatten to produce a Flatten at the root, got %T", optimised)
	}

	got, err := Interpret(context.Background(), optimised)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elems := got.([]any)
	if len(elems) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(elems))
	}
	want := map[int]bool{2: true, 4: true, 6: true}
	for _, e := range elems {
		if !want[e.(int)] {
			t.Fatalf("unexpected element %v in result", e)
		}
	}
}

func TestInterpretMaterialiseInsideOp(t *testing.T) {
	combine := wordCountGraph(t, []any{"a", "a", "b"})
	mat, err := dag.NewMaterialise(combine, dag.Opaque("counts"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tag := dag.NewReturn("word-count", dag.Opaque("string"))
	op, err := dag.NewOp(tag, mat, func(a, b any) (any, error) { return b, nil }, dag.Opaque("any"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := Interpret(context.Background(), op)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	counts := countsOf(t, got.([]any))
	if counts["a"] != 2 || counts["b"] != 1 {
		t.Fatalf("unexpected word counts: %v", counts)
	}
}
