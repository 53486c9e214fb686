package dag

import (
	"context"

	"github.com/pkg/errors"
)

// Emit is the callback a DoFn uses to produce zero or more outputs for one
// input element (or during Cleanup).
type Emit func(v any)

// DoFn is the user computation carried by a ParallelDo. The three-phase
// lifecycle (Setup/Process/Cleanup) exists so that fused ParallelDos (see
// the optimiser's fusion rewrite) can compose two functions without losing
// per-input-split setup/teardown semantics.
type DoFn interface {
	// Setup runs once before the first Process call on an input split.
	Setup(ctx context.Context) error
	// Process handles one input element with the current environment
	// value, emitting zero or more outputs.
	Process(ctx context.Context, elem, env any, emit Emit) error
	// Cleanup runs once after the last Process call on an input split,
	// and may itself emit further outputs (e.g. a flush of buffered
	// state).
	Cleanup(ctx context.Context, emit Emit) error
}

// AssocOp is the associative, commutative reduction function carried by a
// Combine node. It must be safe to apply in any order and any grouping,
// since post-shuffle value order is framework-defined.
type AssocOp interface {
	// Combine reduces two partial values into one.
	Combine(a, b any) (any, error)
}

// AssocOpFunc adapts a plain function to AssocOp.
type AssocOpFunc func(a, b any) (any, error)

// Combine implements AssocOp.
func (f AssocOpFunc) Combine(a, b any) (any, error) { return f(a, b) }

// BinFunc combines two scalar Exp values, as carried by an Op node.
type BinFunc func(a, b any) (any, error)

// Load reads a distributed collection from an external DataSource.
type Load struct {
	id     ID
	serde  Serde
	Source DataSource
}

// NewLoad constructs a Load node over source, whose element serde is taken
// from the source itself.
func NewLoad(source DataSource) *Load {
	return &Load{id: NewID(), serde: source.Serde(), Source: source}
}

func (n *Load) ID() ID             { return n.id }
func (n *Load) Shape() Shape       { return ShapeArr }
func (n *Load) OutputSerde() Serde { return n.serde }
func (n *Load) isNode()            {}

// ParallelDo applies Fn to each element of In, with Env (an Exp) supplied
// as a broadcast value. GroupBarrier forbids the optimiser from fusing a
// downstream ParallelDo into this one; FuseBarrier forbids duplicating
// this node into multiple branches (e.g. sink-of-flatten fan-out).
type ParallelDo struct {
	id           ID
	serde        Serde
	In           Node
	Env          Node // Exp-shaped; may be nil, treated as a constant nil environment
	Fn           DoFn
	GroupBarrier bool
	FuseBarrier  bool
}

// NewParallelDo constructs a ParallelDo over in with function fn. env may
// be nil for functions that ignore their environment.
func NewParallelDo(in Node, env Node, fn DoFn, outSerde Serde) (*ParallelDo, error) {
	if err := requireShape(in, ShapeArr, "ParallelDo.In"); err != nil {
		return nil, err
	}
	if env != nil {
		if err := requireShape(env, ShapeExp, "ParallelDo.Env"); err != nil {
			return nil, err
		}
	}
	return &ParallelDo{id: NewID(), serde: outSerde, In: in, Env: env, Fn: fn}, nil
}

func (n *ParallelDo) ID() ID             { return n.id }
func (n *ParallelDo) Shape() Shape       { return ShapeArr }
func (n *ParallelDo) OutputSerde() Serde { return n.serde }
func (n *ParallelDo) isNode()            {}

// GroupByKey shuffles an Arr of (K,V) pairs into an Arr of (K,
// Iterable[V]).
type GroupByKey struct {
	id    ID
	serde Serde
	In    Node
}

// NewGroupByKey constructs a GroupByKey over in, which must be Arr-shaped.
func NewGroupByKey(in Node, outSerde Serde) (*GroupByKey, error) {
	if err := requireShape(in, ShapeArr, "GroupByKey.In"); err != nil {
		return nil, err
	}
	return &GroupByKey{id: NewID(), serde: outSerde, In: in}, nil
}

func (n *GroupByKey) ID() ID             { return n.id }
func (n *GroupByKey) Shape() Shape       { return ShapeArr }
func (n *GroupByKey) OutputSerde() Serde { return n.serde }
func (n *GroupByKey) isNode()            {}

// Combine reduces each value-group of a GroupByKey's output with an
// associative operator.
type Combine struct {
	id    ID
	serde Serde
	In    Node // must be a *GroupByKey once the graph is optimised
	Op    AssocOp
}

// NewCombine constructs a Combine over in (an Arr, normally a GroupByKey)
// with reduction operator op.
func NewCombine(in Node, op AssocOp, outSerde Serde) (*Combine, error) {
	if err := requireShape(in, ShapeArr, "Combine.In"); err != nil {
		return nil, err
	}
	return &Combine{id: NewID(), serde: outSerde, In: in, Op: op}, nil
}

func (n *Combine) ID() ID             { return n.id }
func (n *Combine) Shape() Shape       { return ShapeArr }
func (n *Combine) OutputSerde() Serde { return n.serde }
func (n *Combine) isNode()            {}

// Flatten concatenates same-typed Arrs. After optimisation no Flatten
// contains another Flatten as a direct input (see optimiser's flatten
// normalisation rewrite).
type Flatten struct {
	id    ID
	serde Serde
	Ins   []Node
}

// NewFlatten constructs a Flatten over ins, all of which must be
// Arr-shaped. At least one input is required.
func NewFlatten(ins []Node, outSerde Serde) (*Flatten, error) {
	if len(ins) == 0 {
		return nil, ErrEmptyFlatten
	}
	for i, in := range ins {
		if err := requireShape(in, ShapeArr, "Flatten.Ins"); err != nil {
			return nil, errors.WithMessagef(err, "input %d", i)
		}
	}
	cp := make([]Node, len(ins))
	copy(cp, ins)
	return &Flatten{id: NewID(), serde: outSerde, Ins: cp}, nil
}

func (n *Flatten) ID() ID             { return n.id }
func (n *Flatten) Shape() Shape       { return ShapeArr }
func (n *Flatten) OutputSerde() Serde { return n.serde }
func (n *Flatten) isNode()            {}

// Return is a constant scalar value.
type Return struct {
	id    ID
	serde Serde
	Value any
}

// NewReturn constructs a Return node carrying value.
func NewReturn(value any, outSerde Serde) *Return {
	return &Return{id: NewID(), serde: outSerde, Value: value}
}

func (n *Return) ID() ID             { return n.id }
func (n *Return) Shape() Shape       { return ShapeExp }
func (n *Return) OutputSerde() Serde { return n.serde }
func (n *Return) isNode()            {}

// Op combines two scalars with F.
type Op struct {
	id     ID
	serde  Serde
	E1, E2 Node
	F      BinFunc
}

// NewOp constructs an Op over two Exp-shaped nodes.
func NewOp(e1, e2 Node, f BinFunc, outSerde Serde) (*Op, error) {
	if err := requireShape(e1, ShapeExp, "Op.E1"); err != nil {
		return nil, err
	}
	if err := requireShape(e2, ShapeExp, "Op.E2"); err != nil {
		return nil, err
	}
	return &Op{id: NewID(), serde: outSerde, E1: e1, E2: e2, F: f}, nil
}

func (n *Op) ID() ID             { return n.id }
func (n *Op) Shape() Shape       { return ShapeExp }
func (n *Op) OutputSerde() Serde { return n.serde }
func (n *Op) isNode()            {}

// Materialise collects an entire Arr into one scalar Iterable value.
type Materialise struct {
	id    ID
	serde Serde
	In    Node
}

// NewMaterialise constructs a Materialise over an Arr-shaped node.
func NewMaterialise(in Node, outSerde Serde) (*Materialise, error) {
	if err := requireShape(in, ShapeArr, "Materialise.In"); err != nil {
		return nil, err
	}
	return &Materialise{id: NewID(), serde: outSerde, In: in}, nil
}

func (n *Materialise) ID() ID             { return n.id }
func (n *Materialise) Shape() Shape       { return ShapeExp }
func (n *Materialise) OutputSerde() Serde { return n.serde }
func (n *Materialise) isNode()            {}
