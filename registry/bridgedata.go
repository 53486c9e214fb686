package registry

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/scoobi-go/scoobi/dag"
)

// ErrBridgeDataNotFound is returned by BridgeData.Open when no data has
// been written for the given bridge ID, which should not happen for a
// bridge the store reports as filled — the two are meant to be updated
// together by Registry.FillBridge.
var ErrBridgeDataNotFound = errors.New("registry: no data recorded for bridge")

// BridgeData round-trips the actual elements a bridge holds, as opposed
// to store.BridgeStore, which tracks only fill-state metadata (filled,
// row count, fill time). Write is called once a process node's job has
// produced its output; Open is called by Prune to construct a DataSource
// for the virtual Load replacing a filled bridge's subtree.
type BridgeData interface {
	Write(ctx context.Context, bridgeID string, elems []any) error
	Open(ctx context.Context, bridgeID string, serde dag.Serde) (dag.DataSource, error)
}

// MemoryBridgeData holds bridge contents in process memory. It is the only
// BridgeData in this module, and cmd/scoobi-plan uses it in every mode;
// its contents never leave the process and are not round-tripped through
// a Serde.
type MemoryBridgeData struct {
	mu   sync.RWMutex
	data map[string][]any
}

// NewMemoryBridgeData constructs an empty MemoryBridgeData.
func NewMemoryBridgeData() *MemoryBridgeData {
	return &MemoryBridgeData{data: make(map[string][]any)}
}

// Write stores a copy of elems under bridgeID, overwriting any prior
// contents.
func (m *MemoryBridgeData) Write(_ context.Context, bridgeID string, elems []any) error {
	cp := make([]any, len(elems))
	copy(cp, elems)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[bridgeID] = cp
	return nil
}

// Open returns a DataSource replaying bridgeID's persisted elements as a
// single split.
func (m *MemoryBridgeData) Open(_ context.Context, bridgeID string, serde dag.Serde) (dag.DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elems, ok := m.data[bridgeID]
	if !ok {
		return nil, errors.Wrapf(ErrBridgeDataNotFound, "bridge %s", bridgeID)
	}
	cp := make([]any, len(elems))
	copy(cp, elems)
	return &sliceSource{elems: cp, serde: serde}, nil
}

// sliceSource is a dag.DataSource over an in-memory slice, the same
// single-split-no-size-estimate shape as mscr's constSource test stub,
// but one that actually yields elements rather than standing in for a
// graph shape.
type sliceSource struct {
	elems []any
	serde dag.Serde
}

func (s *sliceSource) InputSplits(context.Context) ([]dag.Split, error) {
	return []dag.Split{sliceSplit(len(s.elems))}, nil
}

func (s *sliceSource) Reader(context.Context, dag.Split) (dag.Iterator, error) {
	return &sliceIterator{elems: s.elems}, nil
}

func (s *sliceSource) Serde() dag.Serde { return s.serde }

func (s *sliceSource) EstimatedBytes() int64 { return 0 }

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
