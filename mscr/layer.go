package mscr

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/scoobi-go/scoobi/dag"
)

// ErrCyclicDependency is returned by Layer if the MSCR dependency graph
// is not acyclic, which should never happen for a graph built from a
// well-formed dag.Node DAG.
var ErrCyclicDependency = errors.New("mscr: cyclic dependency between MSCRs")

// Layer partitions mscrs into the coarsest sequence of independent
// sets compatible with their dependency DAG: MSCR A depends on MSCR B
// if one of A's mappers reads (possibly through a Flatten) from a
// bridge B produces. Layers are computed with Kahn's algorithm,
// peeling off every currently-dependency-free MSCR as one layer at a
// time; ties within a layer are broken by MSCR id for determinism.
func Layer(mscrs []*MSCR) ([][]*MSCR, error) {
	owner := make(map[dag.ID]int, len(mscrs)) // bridge node id -> owning MSCR id
	for _, m := range mscrs {
		for _, b := range m.Bridges() {
			owner[b.ID()] = m.ID
		}
	}

	byID := make(map[int]*MSCR, len(mscrs))
	dependsOn := make(map[int]map[int]bool, len(mscrs)) // m.ID -> set of MSCR ids it depends on
	dependents := make(map[int][]int, len(mscrs))       // m.ID -> MSCRs that depend on it
	for _, m := range mscrs {
		byID[m.ID] = m
		deps := make(map[int]bool)
		for _, mapper := range m.Mappers {
			roots, err := processNodeSources(mapper.In)
			if err != nil {
				return nil, err
			}
			for _, r := range roots {
				if owningID, ok := owner[r.ID()]; ok && owningID != m.ID {
					deps[owningID] = true
				}
			}
		}
		dependsOn[m.ID] = deps
	}
	for id, deps := range dependsOn {
		for dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	remaining := make(map[int]int, len(mscrs)) // m.ID -> count of unresolved dependencies
	for id, deps := range dependsOn {
		remaining[id] = len(deps)
	}

	var layers [][]*MSCR
	for len(remaining) > 0 {
		var ready []int
		for id, n := range remaining {
			if n == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, ErrCyclicDependency
		}
		sort.Ints(ready)

		layer := make([]*MSCR, len(ready))
		for i, id := range ready {
			layer[i] = byID[id]
		}
		layers = append(layers, layer)

		for _, id := range ready {
			delete(remaining, id)
		}
		for _, id := range ready {
			for _, dependent := range dependents[id] {
				if _, ok := remaining[dependent]; ok {
					remaining[dependent]--
				}
			}
		}
	}

	return layers, nil
}

// processNodeSources resolves the Arr-producing root nodes that feed
// n, descending transparently through any Flatten (mirroring
// mappersFeeding, but without requiring the leaves to be ParallelDos:
// a mapper's own input may legitimately be another MSCR's bridge —
// GroupByKey, Combine, or orphan ParallelDo output — or an external
// Load).
func processNodeSources(n dag.Node) ([]dag.Node, error) {
	if f, ok := n.(*dag.Flatten); ok {
		var out []dag.Node
		for _, in := range f.Ins {
			srcs, err := processNodeSources(in)
			if err != nil {
				return nil, err
			}
			out = append(out, srcs...)
		}
		return out, nil
	}
	return []dag.Node{n}, nil
}
