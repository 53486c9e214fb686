// Package executor drives a planned graph to completion: structural
// recursion over the Exp spine (Op/Return/Materialise), and, at every
// Arr root it reaches, the MSCR layer loop — configure each layer's
// jobs sequentially, dispatch them concurrently when enabled, report,
// mark bridges/sinks filled, and fail fast before the next layer.
package executor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scoobi-go/scoobi/attr"
	"github.com/scoobi-go/scoobi/dag"
	"github.com/scoobi-go/scoobi/jobrun"
	"github.com/scoobi-go/scoobi/mscr"
	"github.com/scoobi-go/scoobi/registry"
	"github.com/scoobi-go/scoobi/scoobicfg"
	"github.com/scoobi-go/scoobi/store"
	"github.com/scoobi-go/scoobi/telemetry"
)

// maxConcurrentJobs bounds how many of a layer's jobs run at once. A
// layer with more MSCRs than this queues the rest, incrementing the
// backpressure counter once per saturated layer.
const maxConcurrentJobs = 8

// Executor runs one planner invocation: a graph of Op/Return/Materialise/
// Arr nodes, and everything they transitively need from the MSCR layer
// loop to produce a value or a side effect.
type Executor struct {
	Config   scoobicfg.Config
	RunID    string
	Registry *registry.Registry
	Runner   jobrun.Runner
	Limiter  *rate.Limiter
	Store    store.BridgeStore
	Emitter  telemetry.Emitter
	Metrics  *telemetry.PrometheusMetrics

	envMu sync.Mutex
	env   map[dag.ID]any
}

// New constructs an Executor. Limiter, Store, Emitter and Metrics may all
// be nil to skip the concern they cover, same as jobrun.Job.
func New(
	cfg scoobicfg.Config, runID string, reg *registry.Registry, runner jobrun.Runner,
	limiter *rate.Limiter, st store.BridgeStore, emitter telemetry.Emitter, metrics *telemetry.PrometheusMetrics,
) *Executor {
	return &Executor{
		Config:   cfg,
		RunID:    runID,
		Registry: reg,
		Runner:   runner,
		Limiter:  limiter,
		Store:    st,
		Emitter:  emitter,
		Metrics:  metrics,
		env:      make(map[dag.ID]any),
	}
}

// Execute runs root to completion: Op/Return/Materialise are evaluated by
// structural recursion; any other Arr root is run for its side effects
// (bridges and sinks filled) and returns nil. One attribute table is
// built over root and reused for every recursive call and every layer
// this invocation runs, so environment attribution sees the whole graph
// root was drawn from, not just whichever subtree is currently running.
func (e *Executor) Execute(ctx context.Context, root dag.Node) (any, error) {
	table := attr.NewTable(root)
	return e.execNode(ctx, table, root)
}

func (e *Executor) execNode(ctx context.Context, table *attr.Table, node dag.Node) (any, error) {
	switch n := node.(type) {
	case *dag.Return:
		e.pushEnv(n.ID(), n.Value)
		return n.Value, nil

	case *dag.Op:
		a, err := e.execNode(ctx, table, n.E1)
		if err != nil {
			return nil, err
		}
		b, err := e.execNode(ctx, table, n.E2)
		if err != nil {
			return nil, err
		}
		v, err := n.F(a, b)
		if err != nil {
			return nil, errors.Wrapf(err, "executor: applying Op %d", n.ID())
		}
		e.pushEnv(n.ID(), v)
		return v, nil

	case *dag.Materialise:
		elems, err := e.readArr(ctx, table, n.In)
		if err != nil {
			return nil, errors.Wrapf(err, "executor: materialising node %d", n.ID())
		}
		e.pushEnv(n.ID(), elems)
		return elems, nil

	default:
		if node.Shape() != dag.ShapeArr {
			return nil, errors.Errorf("executor: node %d (%T) has an Exp shape executor does not recognise", node.ID(), node)
		}
		if err := e.runPlan(ctx, table, node); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// readArr resolves node's full element sequence: directly from a Load's
// source, by concatenating a Flatten's branches, or — for any process
// node — by running the MSCR layers that reach it and reading its bridge
// back.
func (e *Executor) readArr(ctx context.Context, table *attr.Table, node dag.Node) ([]any, error) {
	switch n := node.(type) {
	case *dag.Load:
		return readAll(ctx, n.Source)

	case *dag.Flatten:
		var all []any
		for _, in := range n.Ins {
			elems, err := e.readArr(ctx, table, in)
			if err != nil {
				return nil, err
			}
			all = append(all, elems...)
		}
		return all, nil

	default:
		if !dag.IsProcessNode(node) {
			return nil, errors.Errorf("executor: cannot read elements of node %d (%T)", node.ID(), node)
		}
		if err := e.runPlan(ctx, table, node); err != nil {
			return nil, err
		}
		bridge, err := table.BridgeStoreOf(node)
		if err != nil {
			return nil, err
		}
		src, err := e.Registry.ReadBridge(ctx, bridge.ID, node.OutputSerde())
		if err != nil {
			return nil, errors.Wrapf(err, "executor: reading bridge for node %d", node.ID())
		}
		return readAll(ctx, src)
	}
}

// runPlan prunes already-filled subtrees out of root, groups what's left
// into MSCRs and layers, and drives the layer loop to completion.
func (e *Executor) runPlan(ctx context.Context, table *attr.Table, root dag.Node) error {
	pruned, err := e.Registry.Prune(ctx, table, root)
	if err != nil {
		return errors.Wrap(err, "executor: pruning already-computed subtrees")
	}

	plan, err := mscr.BuildPlan(pruned)
	if err != nil {
		return errors.Wrap(err, "executor: building MSCR plan")
	}

	for layerID, layer := range plan.Layers {
		if err := e.runLayer(ctx, table, layerID, layer); err != nil {
			return err
		}
	}
	return nil
}

// runLayer implements the five-step layer loop: configure sequentially,
// dispatch concurrently (when enabled), report, mark bridges filled, and
// fail fast before the caller moves to the next layer.
func (e *Executor) runLayer(ctx context.Context, table *attr.Table, layerID int, layer []*mscr.MSCR) error {
	jobs := make([]*jobrun.Job, len(layer))
	for i, m := range layer {
		spec, err := e.configureMSCR(ctx, table, layerID, m)
		if err != nil {
			return errors.Wrapf(err, "executor: configuring layer %d MSCR %d", layerID, m.ID)
		}
		jobs[i] = jobrun.NewJob(spec, e.Runner, e.Limiter, e.Store, e.Emitter, e.Metrics)
	}

	errs := make([]error, len(jobs))
	if e.Config.ConcurrentJobs && len(jobs) > 1 {
		e.dispatchConcurrent(ctx, jobs, errs)
	} else {
		for i := range jobs {
			errs[i] = jobs[i].Execute(ctx)
		}
	}

	var firstErr error
	for i, job := range jobs {
		outcome := job.Report()
		for bridgeID, elems := range outcome.Bridges {
			if err := e.Registry.FillBridge(ctx, bridgeID, elems); err != nil && firstErr == nil {
				firstErr = errors.Wrapf(err, "executor: filling bridge %s", bridgeID)
			}
		}
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
	}
	if firstErr != nil {
		return errors.Wrapf(firstErr, "executor: layer %d failed", layerID)
	}
	return nil
}

// dispatchConcurrent submits jobs through a bounded worker pool and joins
// on all of them: unlike errgroup.WithContext, a failing job never
// cancels its siblings, since plain errgroup.Group carries no derived
// context at all. Each goroutine only ever writes its own slot of errs,
// so no further synchronisation is needed to collect results.
func (e *Executor) dispatchConcurrent(ctx context.Context, jobs []*jobrun.Job, errs []error) {
	limit := len(jobs)
	if limit > maxConcurrentJobs {
		limit = maxConcurrentJobs
	}
	if e.Metrics != nil {
		e.Metrics.UpdateInflightMSCRs(len(jobs))
		if len(jobs) > maxConcurrentJobs {
			e.Metrics.IncrementBackpressure(e.RunID, "layer_dispatch_saturated")
		}
	}

	sem := make(chan struct{}, limit)
	var eg errgroup.Group
	for i := range jobs {
		i := i
		sem <- struct{}{}
		eg.Go(func() error {
			defer func() { <-sem }()
			errs[i] = jobs[i].Execute(ctx)
			return nil
		})
	}
	_ = eg.Wait()

	if e.Metrics != nil {
		e.Metrics.UpdateInflightMSCRs(0)
	}
}

// configureMSCR resolves m's mapper input sources and environment values
// and assembles the resulting JobSpec. Configuration is always called
// sequentially by runLayer, so env reads/writes here never race with a
// sibling MSCR's configuration within the same layer.
func (e *Executor) configureMSCR(ctx context.Context, table *attr.Table, layerID int, m *mscr.MSCR) (jobrun.JobSpec, error) {
	inputs := make(map[dag.ID]dag.DataSource, len(m.Mappers))
	env := make(map[dag.ID]any)
	var inputBytes int64

	for _, mapper := range m.Mappers {
		src, err := e.resolveMapperSource(ctx, table, mapper.In)
		if err != nil {
			return jobrun.JobSpec{}, err
		}
		inputs[mapper.ID()] = src
		inputBytes += src.EstimatedBytes()

		if mapper.Env != nil {
			if _, ok := env[mapper.Env.ID()]; !ok {
				v, err := e.resolveEnv(ctx, table, mapper.Env)
				if err != nil {
					return jobrun.JobSpec{}, err
				}
				env[mapper.Env.ID()] = v
			}
		}
	}

	return jobrun.BuildSpec(
		e.RunID, e.RunID, e.Config.WorkingDir, layerID, m,
		e.Config.Reducers.Min, e.Config.Reducers.Max, inputBytes, e.Config.Reducers.BytesPerReducer,
		inputs, env,
	), nil
}

// resolveMapperSource resolves the DataSource feeding a mapper: an
// external Load, a Flatten combining several such sources, or an earlier
// layer's already-filled bridge.
func (e *Executor) resolveMapperSource(ctx context.Context, table *attr.Table, n dag.Node) (dag.DataSource, error) {
	switch x := n.(type) {
	case *dag.Load:
		return x.Source, nil

	case *dag.Flatten:
		srcs := make([]dag.DataSource, len(x.Ins))
		for i, in := range x.Ins {
			src, err := e.resolveMapperSource(ctx, table, in)
			if err != nil {
				return nil, err
			}
			srcs[i] = src
		}
		return multiSource{sources: srcs}, nil

	default:
		if !dag.IsProcessNode(n) {
			return nil, errors.Errorf("executor: mapper input node %d (%T) is neither a Load nor a process node", n.ID(), n)
		}
		bridge, err := table.BridgeStoreOf(n)
		if err != nil {
			return nil, err
		}
		src, err := e.Registry.ReadBridge(ctx, bridge.ID, n.OutputSerde())
		if err != nil {
			return nil, errors.Wrapf(err, "executor: resolving mapper input from bridge %s", bridge.ID)
		}
		return src, nil
	}
}

// resolveEnv returns envNode's value, computing it (and pushing it to
// every ParallelDo that shares this environment) if it hasn't been
// already.
func (e *Executor) resolveEnv(ctx context.Context, table *attr.Table, envNode dag.Node) (any, error) {
	e.envMu.Lock()
	v, ok := e.env[envNode.ID()]
	e.envMu.Unlock()
	if ok {
		return v, nil
	}
	return e.execNode(ctx, table, envNode)
}

func (e *Executor) pushEnv(id dag.ID, value any) {
	e.envMu.Lock()
	e.env[id] = value
	e.envMu.Unlock()
}
