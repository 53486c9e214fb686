package dag

import (
	"context"

	"github.com/pkg/errors"
)

// Node is the closed set of dataflow operator variants Scoobi plans over.
// Identity and equality are defined by ID; structural content is never
// used for comparison. isNode is unexported so no type outside this
// package can satisfy Node, keeping the union closed for exhaustive
// matching via Visitor/Walk.
type Node interface {
	// ID returns this node's process-unique identity.
	ID() ID
	// Shape reports whether this node produces an Arr or an Exp.
	Shape() Shape
	// OutputSerde is the serialiser descriptor for this node's output
	// element type.
	OutputSerde() Serde

	isNode()
}

// ErrShapeMismatch is returned by constructors when an input's Shape does
// not match what the variant requires at that position.
var ErrShapeMismatch = errors.New("dag: shape mismatch")

// ErrEmptyFlatten is returned by NewFlatten when given zero inputs; a
// Flatten must concatenate at least one Arr.
var ErrEmptyFlatten = errors.New("dag: flatten requires at least one input")

// ErrNotKV is returned by ReduceFn when an element is not a KV pair.
var ErrNotKV = errors.New("dag: element is not a KV pair")

// ErrNotIterable is returned by ReduceFn when a KV's value is not the
// []any value-group shape GroupByKey produces.
var ErrNotIterable = errors.New("dag: KV value is not an iterable value-group")

func requireShape(n Node, want Shape, what string) error {
	if n.Shape() != want {
		return errors.Wrapf(ErrShapeMismatch, "%s: want %s, got %s (node id %d)", what, want, n.Shape(), n.ID())
	}
	return nil
}

// DataSource is the external collaborator a Load node reads from. The core
// treats it as an opaque, pluggable abstraction: it never interprets split
// or byte-size data beyond what the reducer-count heuristic needs.
type DataSource interface {
	// InputSplits partitions the source into units of work.
	InputSplits(ctx context.Context) ([]Split, error)
	// Reader opens a sequential reader over one split's elements.
	Reader(ctx context.Context, split Split) (Iterator, error)
	// Serde describes the element type this source produces.
	Serde() Serde
	// EstimatedBytes is an optional total byte-size estimate, used by the
	// job adapter's reducer-count heuristic. Zero means "unknown".
	EstimatedBytes() int64
}

// Split is one partition of a DataSource, opaque to the core.
type Split interface {
	// Bytes is an optional size estimate for this split; zero if unknown.
	Bytes() int64
}

// Iterator yields successive elements from a split. Next returns
// (zero, false, nil) once exhausted, or a non-nil error on failure.
type Iterator interface {
	Next(ctx context.Context) (elem any, ok bool, err error)
	Close() error
}

// DataSink is the external collaborator a materialised output is written
// to. Sinks are not graph nodes, mirroring how the MSCR builder treats
// "output nodes" as sinks-or-bridges rather than a distinct variant; their
// fill state is tracked by ID through registry.FillSink/SinkFilled.
type DataSink interface {
	OutputPath() string
	Writer(ctx context.Context) (Consumer, error)
	Commit(ctx context.Context) error
}

// Consumer accepts elements written to a DataSink.
type Consumer interface {
	Put(ctx context.Context, elem any) error
	Close() error
}
