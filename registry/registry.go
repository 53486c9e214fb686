// Package registry tracks which bridges and sinks have already been
// filled by a previous run, backed by a store.BridgeStore, and prunes a
// planner graph to skip recomputing any subtree whose bridge is already
// durable. This is the skip-already-computed optimisation: a process
// node whose bridge the store reports as filled is replaced by a virtual
// Load reading the bridge's persisted data, so everything downstream of
// it sees the same elements it would have produced by running again.
package registry

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scoobi-go/scoobi/attr"
	"github.com/scoobi-go/scoobi/dag"
	"github.com/scoobi-go/scoobi/store"
)

// Registry pairs a BridgeStore (fill-state metadata: filled/rowCount/
// filledAt) with a BridgeData (the actual persisted elements), since the
// store alone is only a record of what has been filled, not a place to
// read the filled data back from.
type Registry struct {
	store store.BridgeStore
	data  BridgeData
}

// New constructs a Registry over st (fill-state metadata) and data
// (persisted element round-trip).
func New(st store.BridgeStore, data BridgeData) *Registry {
	return &Registry{store: st, data: data}
}

// FillBridge persists elems as bridgeID's contents and marks it filled
// in the backing store. Called by the executor after a process node's
// job completes.
func (r *Registry) FillBridge(ctx context.Context, bridgeID string, elems []any) error {
	if err := r.data.Write(ctx, bridgeID, elems); err != nil {
		return errors.Wrapf(err, "registry: writing bridge %s data", bridgeID)
	}
	if err := r.store.MarkBridgeFilled(ctx, bridgeID, int64(len(elems))); err != nil {
		return errors.Wrapf(err, "registry: marking bridge %s filled", bridgeID)
	}
	return nil
}

// BridgeFilled reports whether bridgeID has already been computed and
// persisted by a previous run.
func (r *Registry) BridgeFilled(ctx context.Context, bridgeID string) (bool, error) {
	return r.store.BridgeFilled(ctx, bridgeID)
}

// FillSink marks sinkID as fully written.
func (r *Registry) FillSink(ctx context.Context, sinkID string) error {
	return r.store.MarkSinkFilled(ctx, sinkID)
}

// SinkFilled reports whether sinkID has already been fully written.
func (r *Registry) SinkFilled(ctx context.Context, sinkID string) (bool, error) {
	return r.store.SinkFilled(ctx, sinkID)
}

// ReadBridge opens a DataSource replaying bridgeID's persisted elements.
// Used by the executor both to feed a later layer's mapper from an
// earlier layer's bridge and to read back a Materialise's final value.
func (r *Registry) ReadBridge(ctx context.Context, bridgeID string, serde dag.Serde) (dag.DataSource, error) {
	return r.data.Open(ctx, bridgeID, serde)
}

// Prune rewrites root, replacing every process-node subtree whose bridge
// is already filled with a virtual Load over that bridge's persisted
// data. table must have been built over root (or a graph containing it)
// so BridgeStoreOf resolves the same bridge IDs the executor will use to
// fill bridges as it runs. The original graph is left untouched; Prune
// only ever builds new nodes, reusing an existing node whenever nothing
// beneath it changed.
func (r *Registry) Prune(ctx context.Context, table *attr.Table, root dag.Node) (dag.Node, error) {
	p := &pruner{ctx: ctx, reg: r, table: table, memo: make(map[dag.ID]dag.Node)}
	out := p.rebuild(root)
	if p.err != nil {
		return nil, p.err
	}
	return out, nil
}

type pruner struct {
	ctx   context.Context
	reg   *Registry
	table *attr.Table
	memo  map[dag.ID]dag.Node
	err   error
}

func (p *pruner) rebuild(n dag.Node) dag.Node {
	if p.err != nil {
		return n
	}
	if got, ok := p.memo[n.ID()]; ok {
		return got
	}

	if dag.IsProcessNode(n) {
		bridge, err := p.table.BridgeStoreOf(n)
		if err != nil {
			p.err = errors.Wrapf(err, "registry: resolving bridge for node %d", n.ID())
			return n
		}
		filled, err := p.reg.store.BridgeFilled(p.ctx, bridge.ID)
		if err != nil {
			p.err = errors.Wrapf(err, "registry: checking bridge %s", bridge.ID)
			return n
		}
		if filled {
			source, err := p.reg.data.Open(p.ctx, bridge.ID, n.OutputSerde())
			if err != nil {
				p.err = errors.Wrapf(err, "registry: opening filled bridge %s", bridge.ID)
				return n
			}
			load := dag.NewLoad(source)
			p.memo[n.ID()] = load
			return load
		}
	}

	out := dag.Walk[dag.Node](n, p)
	p.memo[n.ID()] = out
	return out
}

func (p *pruner) VisitLoad(n *dag.Load) dag.Node     { return n }
func (p *pruner) VisitReturn(n *dag.Return) dag.Node { return n }

func (p *pruner) VisitOp(n *dag.Op) dag.Node {
	e1 := p.rebuild(n.E1)
	e2 := p.rebuild(n.E2)
	if p.err != nil {
		return n
	}
	if e1 == n.E1 && e2 == n.E2 {
		return n
	}
	out, err := dag.NewOp(e1, e2, n.F, n.OutputSerde())
	if err != nil {
		p.err = errors.Wrap(err, "registry: rebuilding Op")
		return n
	}
	return out
}

func (p *pruner) VisitMaterialise(n *dag.Materialise) dag.Node {
	in := p.rebuild(n.In)
	if p.err != nil {
		return n
	}
	if in == n.In {
		return n
	}
	out, err := dag.NewMaterialise(in, n.OutputSerde())
	if err != nil {
		p.err = errors.Wrap(err, "registry: rebuilding Materialise")
		return n
	}
	return out
}

func (p *pruner) VisitParallelDo(n *dag.ParallelDo) dag.Node {
	in := p.rebuild(n.In)
	var env dag.Node
	if n.Env != nil {
		env = p.rebuild(n.Env)
	}
	if p.err != nil {
		return n
	}
	if in == n.In && env == n.Env {
		return n
	}
	out, err := dag.NewParallelDo(in, env, n.Fn, n.OutputSerde())
	if err != nil {
		p.err = errors.Wrap(err, "registry: rebuilding ParallelDo")
		return n
	}
	out.GroupBarrier = n.GroupBarrier
	out.FuseBarrier = n.FuseBarrier
	return out
}

func (p *pruner) VisitGroupByKey(n *dag.GroupByKey) dag.Node {
	in := p.rebuild(n.In)
	if p.err != nil {
		return n
	}
	if in == n.In {
		return n
	}
	out, err := dag.NewGroupByKey(in, n.OutputSerde())
	if err != nil {
		p.err = errors.Wrap(err, "registry: rebuilding GroupByKey")
		return n
	}
	return out
}

func (p *pruner) VisitCombine(n *dag.Combine) dag.Node {
	in := p.rebuild(n.In)
	if p.err != nil {
		return n
	}
	if in == n.In {
		return n
	}
	out, err := dag.NewCombine(in, n.Op, n.OutputSerde())
	if err != nil {
		p.err = errors.Wrap(err, "registry: rebuilding Combine")
		return n
	}
	return out
}

func (p *pruner) VisitFlatten(n *dag.Flatten) dag.Node {
	ins := make([]dag.Node, len(n.Ins))
	changed := false
	for i, in := range n.Ins {
		ins[i] = p.rebuild(in)
		if ins[i] != in {
			changed = true
		}
	}
	if p.err != nil {
		return n
	}
	if !changed {
		return n
	}
	out, err := dag.NewFlatten(ins, n.OutputSerde())
	if err != nil {
		p.err = errors.Wrap(err, "registry: rebuilding Flatten")
		return n
	}
	return out
}
