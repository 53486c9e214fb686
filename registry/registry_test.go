package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/scoobi-go/scoobi/attr"
	"github.com/scoobi-go/scoobi/dag"
	"github.com/scoobi-go/scoobi/store"
)

type constSource struct{ serde dag.Serde }

func (c constSource) InputSplits(context.Context) ([]dag.Split, error)        { return nil, nil }
func (c constSource) Reader(context.Context, dag.Split) (dag.Iterator, error) { return nil, nil }
func (c constSource) Serde() dag.Serde                                       { return c.serde }
func (c constSource) EstimatedBytes() int64                                  { return 0 }

func mustPD(t *testing.T, in, env dag.Node, fn dag.DoFn) *dag.ParallelDo {
	t.Helper()
	pd, err := dag.NewParallelDo(in, env, fn, dag.Opaque("kv"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return pd
}

func TestPruneLeavesUnfilledBridgeAlone(t *testing.T) {
	load := dag.NewLoad(constSource{serde: dag.Opaque("line")})
	mapper := mustPD(t, load, nil, dag.IdentityFn())

	table := attr.NewTable(mapper)
	reg := New(store.NewMemStore(), NewMemoryBridgeData())

	out, err := reg.Prune(context.Background(), table, mapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != mapper {
		t.Fatalf("expected an unfilled bridge's subtree to be left untouched")
	}
}

func TestPruneReplacesFilledBridgeWithVirtualLoad(t *testing.T) {
	load := dag.NewLoad(constSource{serde: dag.Opaque("line")})
	mapper := mustPD(t, load, nil, dag.IdentityFn())
	downstream := mustPD(t, mapper, nil, dag.IdentityFn())

	table := attr.NewTable(downstream)
	reg := New(store.NewMemStore(), NewMemoryBridgeData())

	ctx := context.Background()
	bridge, err := table.BridgeStoreOf(mapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.FillBridge(ctx, bridge.ID, []any{"a", "b", "c"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, err := reg.Prune(ctx, table, downstream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pd, ok := out.(*dag.ParallelDo)
	if !ok {
		t.Fatalf("expected the downstream ParallelDo to survive pruning, got %T", out)
	}
	loadNode, ok := pd.In.(*dag.Load)
	if !ok {
		t.Fatalf("expected mapper's bridge to be replaced by a virtual Load, got %T", pd.In)
	}

	source, err := loadNode.Source.InputSplits(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(source) != 1 {
		t.Fatalf("expected one split over the replayed bridge data, got %d", len(source))
	}

	it, err := loadNode.Source.Reader(ctx, source[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer it.Close()

	var got []any
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, v)
	}
	if fmt.Sprint(got) != fmt.Sprint([]any{"a", "b", "c"}) {
		t.Fatalf("expected replayed elements [a b c], got %v", got)
	}
}

func TestPruneIsNoOpWhenNoBridgeIsFilled(t *testing.T) {
	load1 := dag.NewLoad(constSource{serde: dag.Opaque("kv")})
	mapper1 := mustPD(t, load1, nil, dag.IdentityFn())
	gbk, err := dag.NewGroupByKey(mapper1, dag.Opaque("grouped"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	combine, err := dag.NewCombine(gbk, dag.AssocOpFunc(func(a, b any) (any, error) { return a, nil }), dag.Opaque("reduced"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	table := attr.NewTable(combine)
	reg := New(store.NewMemStore(), NewMemoryBridgeData())

	out, err := reg.Prune(context.Background(), table, combine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != combine {
		t.Fatalf("expected the whole graph to be left untouched when nothing is filled")
	}
}

func TestBridgeFilledReflectsRegistryState(t *testing.T) {
	reg := New(store.NewMemStore(), NewMemoryBridgeData())
	ctx := context.Background()

	filled, err := reg.BridgeFilled(ctx, "bridge-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filled {
		t.Fatalf("expected an unrecorded bridge to report unfilled")
	}

	if err := reg.FillBridge(ctx, "bridge-1", []any{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	filled, err = reg.BridgeFilled(ctx, "bridge-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filled {
		t.Fatalf("expected bridge-1 to report filled after FillBridge")
	}
}

func TestFillSinkAndSinkFilled(t *testing.T) {
	reg := New(store.NewMemStore(), NewMemoryBridgeData())
	ctx := context.Background()

	filled, err := reg.SinkFilled(ctx, "sink-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filled {
		t.Fatalf("expected an unrecorded sink to report unfilled")
	}

	if err := reg.FillSink(ctx, "sink-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	filled, err = reg.SinkFilled(ctx, "sink-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filled {
		t.Fatalf("expected sink-1 to report filled after FillSink")
	}
}
