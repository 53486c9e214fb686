package jobrun

import (
	"context"
	"fmt"
	"testing"

	"github.com/scoobi-go/scoobi/dag"
	"github.com/scoobi-go/scoobi/mscr"
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
func (s sliceSource) EstimatedBytes() int64 { return 0 }

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

func TestLocalRunnerOrphanMapperFillsItsOwnBridge(t *testing.T) {
	load := dag.NewLoad(sliceSource{elems: []any{"a", "b"}, serde: dag.Opaque("word")})
	mapper := mustPD(t, load, nil, splitWordsFn{})

	m := &mscr.MSCR{ID: 0, Mappers: []*dag.ParallelDo{mapper}, Reducers: map[dag.ID]*dag.Combine{}}
	spec := JobSpec{
		Name:   "job-0",
		MSCR:   m,
		Inputs: map[dag.ID]dag.DataSource{mapper.ID(): sliceSource{elems: []any{"a", "b"}}},
	}

	r := NewLocalRunner()
	handle, err := r.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := r.Wait(context.Background(), handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != "success" {
		t.Fatalf("expected success, got %q (err=%v)", outcome.Status, outcome.Err)
	}

	bridge := fmt.Sprintf("bridge-%d", mapper.ID())
	got, ok := outcome.Bridges[bridge]
	if !ok || len(got) != 2 {
		t.Fatalf("expected 2 elements in the mapper's own bridge, got %v", got)
	}
}

func TestLocalRunnerShufflesAndReduces(t *testing.T) {
	load := dag.NewLoad(sliceSource{elems: nil, serde: dag.Opaque("word")})
	mapper := mustPD(t, load, nil, splitWordsFn{})
	gbk, err := dag.NewGroupByKey(mapper, dag.Opaque("grouped"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	combine, err := dag.NewCombine(gbk, dag.AssocOpFunc(sumOp), dag.Opaque("reduced"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := &mscr.MSCR{
		ID:          0,
		GroupByKeys: []*dag.GroupByKey{gbk},
		Mappers:     []*dag.ParallelDo{mapper},
		Reducers:    map[dag.ID]*dag.Combine{gbk.ID(): combine},
	}

	spec := JobSpec{
		Name:   "job-0",
		MSCR:   m,
		Inputs: map[dag.ID]dag.DataSource{mapper.ID(): sliceSource{elems: []any{"a", "b", "a"}}},
	}

	r := NewLocalRunner()
	handle, err := r.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := r.Wait(context.Background(), handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != "success" {
		t.Fatalf("expected success, got %q (err=%v)", outcome.Status, outcome.Err)
	}

	bridge := fmt.Sprintf("bridge-%d", combine.ID())
	got, ok := outcome.Bridges[bridge]
	if !ok {
		t.Fatalf("expected a bridge for the combine's output")
	}

	counts := map[any]int{}
	for _, e := range got {
		kv := e.(dag.KV)
		counts[kv.Key] = kv.Value.(int)
	}
	if counts["a"] != 2 || counts["b"] != 1 {
		t.Fatalf("expected a=2 b=1 word counts, got %v", counts)
	}
}

func TestLocalRunnerMissingInputSourceFails(t *testing.T) {
	load := dag.NewLoad(sliceSource{elems: nil, serde: dag.Opaque("word")})
	mapper := mustPD(t, load, nil, splitWordsFn{})
	m := &mscr.MSCR{ID: 0, Mappers: []*dag.ParallelDo{mapper}, Reducers: map[dag.ID]*dag.Combine{}}

	spec := JobSpec{Name: "job-0", MSCR: m, Inputs: map[dag.ID]dag.DataSource{}}

	r := NewLocalRunner()
	handle, err := r.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := r.Wait(context.Background(), handle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != "failed" || outcome.Err == nil {
		t.Fatalf("expected a failed outcome with an error, got %+v", outcome)
	}
}

func TestReducerCountClampsToRange(t *testing.T) {
	cases := []struct {
		min, max        int
		bytes, perRed   int64
		want            int
	}{
		{min: 1, max: 10, bytes: 0, perRed: 1 << 30, want: 1},
		{min: 1, max: 10, bytes: 5 << 30, perRed: 1 << 30, want: 5},
		{min: 1, max: 3, bytes: 10 << 30, perRed: 1 << 30, want: 3},
		{min: 2, max: 10, bytes: 1, perRed: 1 << 30, want: 2},
	}
	for _, c := range cases {
		got := ReducerCount(c.min, c.max, c.bytes, c.perRed)
		if got != c.want {
			t.Errorf("ReducerCount(%d,%d,%d,%d) = %d, want %d", c.min, c.max, c.bytes, c.perRed, got, c.want)
		}
	}
}

func TestJobNameEncodesJobLayerAndMSCR(t *testing.T) {
	got := JobName("run-1", 2, 3)
	want := "run-1-l2-m3"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
