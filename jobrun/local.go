package jobrun

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/scoobi-go/scoobi/dag"
	"github.com/scoobi-go/scoobi/mscr"
	"github.com/scoobi-go/scoobi/store"
)

// LocalRunner executes an MSCR's mapper/shuffle/combine/reduce phases
// directly over host-memory iterables, for the InMemory and Local
// execution modes. Submit runs synchronously; Wait simply retrieves the
// stored outcome.
type LocalRunner struct {
	mu      sync.Mutex
	seq     uint64
	pending map[Handle]Outcome
}

// NewLocalRunner constructs an empty LocalRunner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{pending: make(map[Handle]Outcome)}
}

func (r *LocalRunner) Submit(ctx context.Context, spec JobSpec) (Handle, error) {
	outcome := r.run(ctx, spec)

	r.mu.Lock()
	r.seq++
	h := Handle(JobName("local", spec.LayerID, spec.MSCRID) + "#" + strconv.FormatUint(r.seq, 10))
	r.pending[h] = outcome
	r.mu.Unlock()

	return h, nil
}

func (r *LocalRunner) Wait(_ context.Context, h Handle) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome, ok := r.pending[h]
	if !ok {
		return Outcome{}, errors.Errorf("jobrun: unknown job handle %q", h)
	}
	delete(r.pending, h)
	return outcome, nil
}

// Kill is a no-op: LocalRunner's Submit already ran the job to
// completion by the time a handle exists, so there is nothing in-flight
// to cancel.
func (r *LocalRunner) Kill(context.Context, Handle) error { return nil }

func (r *LocalRunner) run(ctx context.Context, spec JobSpec) Outcome {
	bridges, err := r.execute(ctx, spec)
	if err != nil {
		return Outcome{Status: store.JobStatusFailed, Err: err}
	}
	return Outcome{Status: store.JobStatusSuccess, Bridges: bridges}
}

func (r *LocalRunner) execute(ctx context.Context, spec JobSpec) (map[string][]any, error) {
	m := spec.MSCR

	mapperOutputs := make(map[dag.ID][]any, len(m.Mappers))
	for _, mapper := range m.Mappers {
		src, ok := spec.Inputs[mapper.ID()]
		if !ok {
			return nil, errors.Errorf("jobrun: no input source supplied for mapper %d", mapper.ID())
		}
		var env any
		if mapper.Env != nil {
			env = spec.Env[mapper.Env.ID()]
		}
		out, err := runDoFn(ctx, mapper.Fn, src, env)
		if err != nil {
			return nil, errors.Wrapf(err, "jobrun: running mapper %d", mapper.ID())
		}
		mapperOutputs[mapper.ID()] = out
	}

	bridges := make(map[string][]any)

	if m.IsOrphan() {
		mapper := m.Mappers[0]
		bridges[bridgeID(mapper)] = mapperOutputs[mapper.ID()]
		return bridges, nil
	}

	for _, g := range m.GroupByKeys {
		feeders, err := mscr.MappersFeeding(g.In)
		if err != nil {
			return nil, err
		}
		var elems []any
		for _, mp := range feeders {
			elems = append(elems, mapperOutputs[mp.ID()]...)
		}
		grouped := groupByKey(elems)

		bridgeNode := dag.Node(g)
		output := make([]any, 0, len(grouped))
		if c, ok := m.Reducers[g.ID()]; ok {
			reduce := dag.ReduceFn(c.Op)
			for _, kv := range grouped {
				if err := reduce.Process(ctx, kv, nil, func(v any) { output = append(output, v) }); err != nil {
					return nil, errors.Wrapf(err, "jobrun: reducing group by key for GroupByKey %d", g.ID())
				}
			}
			bridgeNode = c
		} else {
			for _, kv := range grouped {
				output = append(output, kv)
			}
		}
		bridges[bridgeID(bridgeNode)] = output
	}

	return bridges, nil
}

// runDoFn drives fn's Setup/Process/Cleanup lifecycle over every element
// src yields across all of its splits, in split order.
func runDoFn(ctx context.Context, fn dag.DoFn, src dag.DataSource, env any) ([]any, error) {
	if err := fn.Setup(ctx); err != nil {
		return nil, errors.Wrap(err, "Setup")
	}

	var out []any
	emit := func(v any) { out = append(out, v) }

	splits, err := src.InputSplits(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "InputSplits")
	}
	for _, split := range splits {
		if err := processSplit(ctx, fn, src, split, env, emit); err != nil {
			return nil, err
		}
	}

	if err := fn.Cleanup(ctx, emit); err != nil {
		return nil, errors.Wrap(err, "Cleanup")
	}
	return out, nil
}

func processSplit(ctx context.Context, fn dag.DoFn, src dag.DataSource, split dag.Split, env any, emit dag.Emit) error {
	it, err := src.Reader(ctx, split)
	if err != nil {
		return errors.Wrap(err, "Reader")
	}
	defer it.Close()

	for {
		elem, ok, err := it.Next(ctx)
		if err != nil {
			return errors.Wrap(err, "Next")
		}
		if !ok {
			return nil
		}
		if err := fn.Process(ctx, elem, env, emit); err != nil {
			return errors.Wrap(err, "Process")
		}
	}
}

// groupByKey shuffles elems (expected to be dag.KV pairs) into one
// dag.KV per distinct key, with Value set to the []any value-group.
// Keys are ordered by their string representation for determinism,
// since the core element type is an opaque `any` with no natural
// ordering of its own.
func groupByKey(elems []any) []dag.KV {
	order := make([]string, 0)
	keys := make(map[string]any)
	groups := make(map[string][]any)

	for _, e := range elems {
		kv, ok := e.(dag.KV)
		if !ok {
			continue
		}
		ks := keyString(kv.Key)
		if _, seen := groups[ks]; !seen {
			order = append(order, ks)
			keys[ks] = kv.Key
		}
		groups[ks] = append(groups[ks], kv.Value)
	}
	sort.Strings(order)

	out := make([]dag.KV, len(order))
	for i, ks := range order {
		out[i] = dag.KV{Key: keys[ks], Value: groups[ks]}
	}
	return out
}

func keyString(k any) string {
	return fmt.Sprint(k)
}
