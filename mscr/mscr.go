// Package mscr groups an optimised dag.Node graph into MSCRs
// (Map-Shuffle-Combine-Reduce units) and partitions those MSCRs into
// topologically ordered layers for the executor.
package mscr

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/scoobi-go/scoobi/attr"
	"github.com/scoobi-go/scoobi/dag"
)

// MSCR is a single Map-Shuffle-Combine-Reduce unit: one or more
// co-grouped GroupByKeys sharing mapper ancestry (plus their attached
// Combine reducers, if any), or — for a map-only job with no shuffle —
// a singleton orphan mapper.
type MSCR struct {
	ID          int
	GroupByKeys []*dag.GroupByKey
	Mappers     []*dag.ParallelDo
	Reducers    map[dag.ID]*dag.Combine // keyed by the owning GroupByKey's id
}

// IsOrphan reports whether m is a map-only job with no shuffle phase.
func (m *MSCR) IsOrphan() bool { return len(m.GroupByKeys) == 0 }

// Bridges returns the process nodes whose output this MSCR persists:
// one per GroupByKey (its Combine if attached, else the GroupByKey
// itself), or the lone mapper for an orphan MSCR.
func (m *MSCR) Bridges() []dag.Node {
	if m.IsOrphan() {
		return []dag.Node{m.Mappers[0]}
	}
	out := make([]dag.Node, 0, len(m.GroupByKeys))
	for _, g := range m.GroupByKeys {
		if c, ok := m.Reducers[g.ID()]; ok {
			out = append(out, c)
		} else {
			out = append(out, g)
		}
	}
	return out
}

// ErrUnmappedShuffleInput is returned when a GroupByKey's input does
// not resolve to a ParallelDo (directly or through a chain of
// Flattens). Run the optimiser first: its identity-insertion rule
// guarantees this never happens for an optimised graph.
var ErrUnmappedShuffleInput = errors.New("mscr: GroupByKey input is not fed by a mapper; run the optimiser first")

// Build groups every node reachable from root into MSCRs. root should
// already have been through optimiser.Optimise.
func Build(root dag.Node) ([]*MSCR, error) {
	table := attr.NewTable(root)

	var gbks []*dag.GroupByKey
	var pds []*dag.ParallelDo
	for _, n := range table.Nodes() {
		switch x := n.(type) {
		case *dag.GroupByKey:
			gbks = append(gbks, x)
		case *dag.ParallelDo:
			pds = append(pds, x)
		}
	}
	sort.Slice(gbks, func(i, j int) bool { return gbks[i].ID() < gbks[j].ID() })
	sort.Slice(pds, func(i, j int) bool { return pds[i].ID() < pds[j].ID() })

	mappersOf := make(map[dag.ID][]*dag.ParallelDo, len(gbks))
	for _, g := range gbks {
		ms, err := mappersFeeding(g.In)
		if err != nil {
			return nil, err
		}
		mappersOf[g.ID()] = ms
	}

	uf := newUnionFind()
	for _, g := range gbks {
		uf.add(g.ID())
	}
	mapperToGBKs := make(map[dag.ID][]dag.ID)
	for _, g := range gbks {
		for _, m := range mappersOf[g.ID()] {
			mapperToGBKs[m.ID()] = append(mapperToGBKs[m.ID()], g.ID())
		}
	}
	for _, ids := range mapperToGBKs {
		for i := 1; i < len(ids); i++ {
			uf.union(ids[0], ids[i])
		}
	}

	components := uf.components()
	var compKeys []dag.ID
	for ck := range components {
		compKeys = append(compKeys, ck)
	}
	sort.Slice(compKeys, func(i, j int) bool { return compKeys[i] < compKeys[j] })

	var result []*MSCR
	usedAsMapper := make(map[dag.ID]bool)
	for _, ck := range compKeys {
		memberIDs := components[ck]
		sort.Slice(memberIDs, func(i, j int) bool { return memberIDs[i] < memberIDs[j] })

		m := &MSCR{ID: len(result), Reducers: make(map[dag.ID]*dag.Combine)}
		seenMapper := make(map[dag.ID]bool)
		for _, gid := range memberIDs {
			node, ok := table.Lookup(gid)
			if !ok {
				continue
			}
			gbk := node.(*dag.GroupByKey)
			m.GroupByKeys = append(m.GroupByKeys, gbk)

			for _, mp := range mappersOf[gid] {
				if seenMapper[mp.ID()] {
					continue
				}
				seenMapper[mp.ID()] = true
				usedAsMapper[mp.ID()] = true
				m.Mappers = append(m.Mappers, mp)
			}

			parents, err := table.Parents(gbk)
			if err != nil {
				return nil, err
			}
			for _, p := range parents {
				if c, ok := p.(*dag.Combine); ok {
					m.Reducers[gbk.ID()] = c
				}
			}
		}
		sort.Slice(m.GroupByKeys, func(i, j int) bool { return m.GroupByKeys[i].ID() < m.GroupByKeys[j].ID() })
		sort.Slice(m.Mappers, func(i, j int) bool { return m.Mappers[i].ID() < m.Mappers[j].ID() })
		result = append(result, m)
	}

	for _, pd := range pds {
		if usedAsMapper[pd.ID()] {
			continue
		}
		result = append(result, &MSCR{
			ID:       len(result),
			Mappers:  []*dag.ParallelDo{pd},
			Reducers: make(map[dag.ID]*dag.Combine),
		})
	}

	return result, nil
}

// MappersFeeding resolves the mapper ParallelDos feeding a GroupByKey's
// input (or any other shuffle-shaped input), descending transparently
// through any Flatten. Exported for the job adapter, which needs the
// same resolution to know which mapper outputs to shuffle together for
// a given GroupByKey at execution time.
func MappersFeeding(n dag.Node) ([]*dag.ParallelDo, error) {
	return mappersFeeding(n)
}

// mappersFeeding resolves the mapper ParallelDos feeding n, descending
// transparently through any Flatten. After optimisation every leaf
// must be a ParallelDo.
func mappersFeeding(n dag.Node) ([]*dag.ParallelDo, error) {
	switch x := n.(type) {
	case *dag.ParallelDo:
		return []*dag.ParallelDo{x}, nil
	case *dag.Flatten:
		var out []*dag.ParallelDo
		for _, in := range x.Ins {
			ms, err := mappersFeeding(in)
			if err != nil {
				return nil, err
			}
			out = append(out, ms...)
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrUnmappedShuffleInput, "node id %d (%T)", n.ID(), n)
	}
}

type unionFind struct {
	parent map[dag.ID]dag.ID
}

func newUnionFind() *unionFind { return &unionFind{parent: make(map[dag.ID]dag.ID)} }

func (u *unionFind) add(id dag.ID) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

func (u *unionFind) find(id dag.ID) dag.ID {
	for u.parent[id] != id {
		u.parent[id] = u.parent[u.parent[id]]
		id = u.parent[id]
	}
	return id
}

func (u *unionFind) union(a, b dag.ID) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

func (u *unionFind) components() map[dag.ID][]dag.ID {
	out := make(map[dag.ID][]dag.ID)
	for id := range u.parent {
		r := u.find(id)
		out[r] = append(out[r], id)
	}
	return out
}
