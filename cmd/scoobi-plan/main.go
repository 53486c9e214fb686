// Command scoobi-plan is a thin demonstration binary: it wires the
// planner, optimiser, MSCR builder, executor, job runner, config
// loader, store and telemetry packages together end to end and runs a
// word-count pipeline over its input. It is not a cluster submission
// tool or a general-purpose CLI — just the smallest program that
// exercises every layer a real caller would assemble by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/scoobi-go/scoobi/dag"
	"github.com/scoobi-go/scoobi/executor"
	"github.com/scoobi-go/scoobi/jobrun"
	"github.com/scoobi-go/scoobi/optimiser"
	"github.com/scoobi-go/scoobi/registry"
	"github.com/scoobi-go/scoobi/scoobicfg"
	"github.com/scoobi-go/scoobi/store"
	"github.com/scoobi-go/scoobi/telemetry"
)

var (
	configPath   = flag.String("config", "", "Path to a scoobi.* config file (YAML/JSON/TOML; viper-discovered)")
	words        = flag.String("words", "the quick brown fox the lazy dog the fox", "Whitespace-separated input text for the word-count demo")
	runID        = flag.String("run-id", "scoobi-plan-demo", "Run identifier attached to every emitted event and job-run record")
	postgresDSN  = flag.String("postgres-dsn", "", "Postgres DSN; when set, Cluster mode persists bridge/sink state there instead of sqlite")
	sqlitePath   = flag.String("sqlite-path", "scoobi-plan.db", "SQLite file backing Local mode's BridgeStore")
	otlpEndpoint = flag.String("otlp-endpoint", "", "OTLP/gRPC collector endpoint; when unset, spans are created but never exported")
	metricsJSON  = flag.Bool("print-metrics", false, "Print the Prometheus metric families to stdout after running")
)

func main() {
	flag.Parse()

	logger := log.New(os.Stderr, "scoobi-plan: ", log.LstdFlags)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if sig, ok := <-sigCh; ok {
			logger.Printf("received signal %v, cancelling run", sig)
			cancel()
		}
	}()

	if err := run(ctx, logger); err != nil {
		logger.Fatalf("run failed: %v", err)
	}
}

func run(ctx context.Context, logger *log.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	logger.Printf("mode=%s workingdir=%s concurrentjobs=%v", cfg.Mode, cfg.WorkingDir, cfg.ConcurrentJobs)

	shutdownTracing, tracer, err := setupTracing(ctx, *otlpEndpoint)
	if err != nil {
		return errors.Wrap(err, "setting up tracing")
	}
	defer shutdownTracing(ctx)

	bridgeStore, closeStore, err := backendFor(cfg)
	if err != nil {
		return errors.Wrap(err, "building store backend")
	}
	defer closeStore()

	promRegistry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(promRegistry)

	emitter := telemetry.NewLogEmitter(os.Stderr, false)
	var emit telemetry.Emitter = emitter
	if tracer != nil {
		emit = multiEmitter{emitter, telemetry.NewOTelEmitter(tracer)}
	}

	reg := registry.New(bridgeStore, registry.NewMemoryBridgeData())
	runner := jobrun.NewLocalRunner()
	exec := executor.New(cfg, *runID, reg, runner, nil, bridgeStore, emit, metrics)

	root := wordCountGraph(*words)
	optimised, err := optimiser.Optimise(root)
	if err != nil {
		return errors.Wrap(err, "optimising graph")
	}

	result, err := exec.Execute(ctx, optimised)
	if err != nil {
		return errors.Wrap(err, "executing plan")
	}

	printCounts(os.Stdout, result.([]any))

	if *metricsJSON {
		families, err := promRegistry.Gather()
		if err != nil {
			return errors.Wrap(err, "gathering metrics")
		}
		for _, f := range families {
			fmt.Fprintf(os.Stdout, "%s: %d samples\n", f.GetName(), len(f.GetMetric()))
		}
	}

	return nil
}

// loadConfig builds a viper.Viper pointed at configPath (when given) and
// delegates to scoobicfg.Load for default-filling, unmarshalling, and
// struct-tag validation.
func loadConfig() (scoobicfg.Config, error) {
	v := viper.New()
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			return scoobicfg.Config{}, errors.Wrapf(err, "reading %s", *configPath)
		}
	}
	return scoobicfg.Load(v)
}

// backendFor maps a Mode to the BridgeStore it pairs with: InMemory
// keeps everything in the process, Local persists to a sqlite file
// surviving a restart, and Cluster persists to Postgres for
// multi-worker visibility. This is the pairing scoobicfg.Mode's doc
// comment describes but leaves to a caller to implement, since
// scoobicfg has no reason to import store.
func backendFor(cfg scoobicfg.Config) (store.BridgeStore, func(), error) {
	switch cfg.Mode {
	case scoobicfg.ModeInMemory:
		st := store.NewMemStore()
		return st, func() {}, nil

	case scoobicfg.ModeLocal:
		st, err := store.NewSQLiteStore(*sqlitePath)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening sqlite store at %s", *sqlitePath)
		}
		return st, func() { _ = st.Close() }, nil

	case scoobicfg.ModeCluster:
		if *postgresDSN == "" {
			return nil, nil, errors.New("cluster mode requires -postgres-dsn")
		}
		st, err := store.NewPostgresStore(*postgresDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening postgres store")
		}
		return st, func() { _ = st.Close() }, nil

	default:
		return nil, nil, errors.Errorf("unrecognised mode %q", cfg.Mode)
	}
}

// setupTracing wires an OpenTelemetry tracer provider. When endpoint is
// empty the provider still exists (so every OTelEmitter event still
// produces a span) but nothing is exported off-box. gorm's opentelemetry
// plugin is constructed here and discarded: it is not attached to the
// Postgres store backendFor opens, so gorm queries are not traced.
func setupTracing(ctx context.Context, endpoint string) (func(context.Context), trace.Tracer, error) {
	res := resource.NewSchemaless(attribute.String("service.name", "scoobi-plan"))

	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithResource(res))

	if endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, errors.Wrap(err, "building OTLP exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	// The gorm tracing plugin is built but not kept: store.NewPostgresStore
	// takes no gorm options, so nothing here passes it to gorm.Open.
	_ = tracing.NewPlugin(tracing.WithoutMetrics())

	shutdown := func(ctx context.Context) {
		_ = tp.Shutdown(ctx)
	}
	return shutdown, tp.Tracer("scoobi-plan"), nil
}

// multiEmitter fans Emit/EmitBatch/Flush out to every wrapped Emitter,
// so a run can log to stderr and trace to OTLP at once.
type multiEmitter []telemetry.Emitter

func (m multiEmitter) Emit(event telemetry.Event) {
	for _, e := range m {
		e.Emit(event)
	}
}

func (m multiEmitter) EmitBatch(ctx context.Context, events []telemetry.Event) error {
	for _, e := range m {
		if err := e.EmitBatch(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

func (m multiEmitter) Flush(ctx context.Context) error {
	for _, e := range m {
		if err := e.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// sliceSource is the in-memory dag.DataSource the demo's Load reads
// from: one split over the whole word list, since the input here is
// small enough that splitting it further buys nothing.
type sliceSource struct {
	elems []any
}

func (s sliceSource) InputSplits(context.Context) ([]dag.Split, error) {
	return []dag.Split{sliceSplit(len(s.elems))}, nil
}
func (s sliceSource) Reader(context.Context, dag.Split) (dag.Iterator, error) {
	return &sliceIterator{elems: s.elems}, nil
}
func (s sliceSource) Serde() dag.Serde      { return dag.Opaque("word") }
func (s sliceSource) EstimatedBytes() int64 { return int64(len(s.elems)) }

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

type splitWordsFn struct{}

func (splitWordsFn) Setup(context.Context) error { return nil }
func (splitWordsFn) Process(_ context.Context, elem, _ any, emit dag.Emit) error {
	emit(dag.KV{Key: elem, Value: 1})
	return nil
}
func (splitWordsFn) Cleanup(context.Context, dag.Emit) error { return nil }

func sumOp(a, b any) (any, error) { return a.(int) + b.(int), nil }

// wordCountGraph builds Load -> ParallelDo(split) -> GroupByKey ->
// Combine(sum) -> Materialise over text's whitespace-separated words.
func wordCountGraph(text string) *dag.Materialise {
	var elems []any
	for _, w := range strings.Fields(text) {
		elems = append(elems, w)
	}
	load := dag.NewLoad(sliceSource{elems: elems})
	mapper, err := dag.NewParallelDo(load, nil, splitWordsFn{}, dag.Opaque("kv"))
	if err != nil {
		panic(err)
	}
	gbk, err := dag.NewGroupByKey(mapper, dag.Opaque("grouped"))
	if err != nil {
		panic(err)
	}
	combine, err := dag.NewCombine(gbk, dag.AssocOpFunc(sumOp), dag.Opaque("counts"))
	if err != nil {
		panic(err)
	}
	mat, err := dag.NewMaterialise(combine, dag.Opaque("counts"))
	if err != nil {
		panic(err)
	}
	return mat
}

func printCounts(w *os.File, elems []any) {
	type count struct {
		word  string
		total int
	}
	counts := make([]count, 0, len(elems))
	for _, e := range elems {
		kv, ok := e.(dag.KV)
		if !ok {
			continue
		}
		counts = append(counts, count{word: kv.Key.(string), total: kv.Value.(int)})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].word < counts[j].word })
	for _, c := range counts {
		fmt.Fprintln(w, c.word+"\t"+strconv.Itoa(c.total))
	}
}
