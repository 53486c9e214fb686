package executor

import (
	"context"

	"github.com/scoobi-go/scoobi/dag"
)

// multiSource concatenates several DataSources into one, for a mapper
// whose input is a Flatten over a mix of external Loads and earlier-layer
// bridges. Its own Serde is taken from the first source, matching the
// Flatten invariant that every branch shares one element type.
type multiSource struct {
	sources []dag.DataSource
}

func (m multiSource) InputSplits(ctx context.Context) ([]dag.Split, error) {
	var out []dag.Split
	for i, s := range m.sources {
		splits, err := s.InputSplits(ctx)
		if err != nil {
			return nil, err
		}
		for _, sp := range splits {
			out = append(out, multiSplit{srcIdx: i, inner: sp})
		}
	}
	return out, nil
}

func (m multiSource) Reader(ctx context.Context, split dag.Split) (dag.Iterator, error) {
	ms := split.(multiSplit)
	return m.sources[ms.srcIdx].Reader(ctx, ms.inner)
}

func (m multiSource) Serde() dag.Serde {
	if len(m.sources) == 0 {
		return dag.Serde{}
	}
	return m.sources[0].Serde()
}

func (m multiSource) EstimatedBytes() int64 {
	var total int64
	for _, s := range m.sources {
		total += s.EstimatedBytes()
	}
	return total
}

type multiSplit struct {
	srcIdx int
	inner  dag.Split
}

func (s multiSplit) Bytes() int64 { return s.inner.Bytes() }

// readAll drains every split of src, in split order, into a slice. Used
// to read back a Load's elements directly and to turn a filled bridge's
// DataSource into the value a Materialise returns.
func readAll(ctx context.Context, src dag.DataSource) ([]any, error) {
	splits, err := src.InputSplits(ctx)
	if err != nil {
		return nil, err
	}
	var out []any
	for _, split := range splits {
		it, err := src.Reader(ctx, split)
		if err != nil {
			return nil, err
		}
		for {
			elem, ok, err := it.Next(ctx)
			if err != nil {
				it.Close()
				return nil, err
			}
			if !ok {
				break
			}
			out = append(out, elem)
		}
		if err := it.Close(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
