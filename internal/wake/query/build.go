package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ariyn/wake/internal/logger"
	"github.com/ariyn/wake/internal/wake/expr"
	"github.com/ariyn/wake/internal/wake/forecast"
	"github.com/ariyn/wake/internal/wake/graph"
	"github.com/ariyn/wake/internal/wake/op"
	"github.com/ariyn/wake/internal/wake/source"
	"github.com/ariyn/wake/internal/wake/types"
)

// Options tune how a query is built.
type Options struct {
	// BatchSize is the default chunk size of source tables.
	BatchSize int
}

// Query is a built, not yet run graph together with its output reader.
type Query struct {
	Name    string
	Graph   *graph.Graph
	Reader  *graph.Reader
	Output  string
	Columns []string
	// Tracker is set when the query declares a forecast.
	Tracker *forecast.Tracker

	schemas map[string][]string
	tables  []source.Table
	sched   *graph.Scheduler
}

// Schema returns the known output columns of a node.
func (q *Query) Schema(node string) ([]string, bool) {
	cols, ok := q.schemas[node]
	return append([]string(nil), cols...), ok
}

// Run drives the graph to completion with a fresh scheduler. A query runs
// once.
func (q *Query) Run(ctx context.Context, opts ...graph.Option) error {
	if q.sched != nil {
		return &graph.Error{Kind: graph.SetupError, ID: -1, Err: graph.ErrAlreadyRun}
	}
	q.sched = graph.NewScheduler(q.Graph, opts...)
	return q.sched.Run(ctx)
}

// Stats returns the per-node counters of the last run.
func (q *Query) Stats() []graph.NodeStats {
	if q.sched == nil {
		return nil
	}
	return q.sched.Stats()
}

// Close releases the source tables of a query that was built but never run.
func (q *Query) Close() error {
	if q.sched != nil {
		return nil
	}
	var errs []error
	for _, t := range q.tables {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	q.tables = nil
	return errors.Join(errs...)
}

type builder struct {
	cfg    QueryConfig
	tables map[string]map[string]any
	opts   Options
	log    zerolog.Logger

	q   *Query
	ids map[string]graph.NodeID
}

// Build validates cfg, opens its source tables and wires the graph. Any
// failure closes the tables opened so far. Configuration problems are
// SetupErrors; tables that cannot be reached are ResourceErrors.
func Build(cfg QueryConfig, tables map[string]map[string]any, opts Options) (*Query, error) {
	b := &builder{
		cfg:    cfg,
		tables: tables,
		opts:   opts,
		log:    logger.New("query").With().Str("query", cfg.Name).Logger(),
		q: &Query{
			Name:    cfg.Name,
			Graph:   graph.New(),
			schemas: make(map[string][]string),
		},
		ids: make(map[string]graph.NodeID),
	}
	q, err := b.build()
	if err != nil {
		_ = b.q.Close()
		return nil, err
	}
	return q, nil
}

func (b *builder) build() (*Query, error) {
	if len(b.cfg.Nodes) == 0 {
		return nil, graph.Setupf("query %q has no nodes", b.cfg.Name)
	}
	for _, n := range b.cfg.Nodes {
		if err := b.addNode(n); err != nil {
			return nil, err
		}
	}

	out := b.cfg.Output
	if out == "" {
		out = b.cfg.Nodes[len(b.cfg.Nodes)-1].Name
	}
	id, ok := b.ids[out]
	if !ok {
		return nil, graph.Setupf("query %q: unknown output node %q", b.cfg.Name, out)
	}
	r, err := b.q.Graph.NewReader(id)
	if err != nil {
		return nil, err
	}
	b.q.Reader = r
	b.q.Output = out
	b.q.Columns = b.q.schemas[out]

	if fc := b.cfg.Forecast; fc != nil {
		if !contains(b.q.Columns, fc.Column) {
			return nil, graph.Classify(graph.SetupError, out,
				fmt.Errorf("forecast column %q: %w", fc.Column, op.ErrMissingColumn))
		}
		tr, err := forecast.NewTracker(*fc)
		if err != nil {
			return nil, graph.Classify(graph.SetupError, out, err)
		}
		tr.Attach(r)
		b.q.Tracker = tr
	}

	b.log.Debug().Int("nodes", len(b.cfg.Nodes)).Str("output", out).Strs("columns", b.q.Columns).Msg("query built")
	return b.q, nil
}

func (b *builder) addNode(n NodeConfig) error {
	if n.Name == "" {
		return graph.Setupf("query %q: node without a name", b.cfg.Name)
	}
	if _, dup := b.ids[n.Name]; dup {
		return graph.Setupf("query %q: duplicate node name %q", b.cfg.Name, n.Name)
	}
	inputs := make([]graph.NodeID, 0, len(n.Inputs))
	for _, in := range n.Inputs {
		id, ok := b.ids[in]
		if !ok {
			return graph.Classify(graph.SetupError, n.Name,
				fmt.Errorf("input %q is not declared before this node", in))
		}
		inputs = append(inputs, id)
	}

	var (
		id  graph.NodeID
		err error
	)
	switch n.Kind {
	case KindSource:
		id, err = b.addSource(n)
	case KindTransform:
		id, err = b.addTransform(n, inputs)
	case KindAggregate:
		id, err = b.addAggregate(n, inputs)
	case KindJoin:
		id, err = b.addJoin(n, inputs)
	default:
		return graph.Classify(graph.SetupError, n.Name, fmt.Errorf("unknown node kind %q", n.Kind))
	}
	if err != nil {
		return err
	}
	b.ids[n.Name] = id
	return nil
}

func (b *builder) addSource(n NodeConfig) (graph.NodeID, error) {
	if len(n.Inputs) > 0 {
		return -1, graph.Classify(graph.SetupError, n.Name, fmt.Errorf("source nodes take no inputs"))
	}
	name := n.Table
	if name == "" {
		name = n.Name
	}
	spec, ok := b.tables[name]
	if !ok {
		return -1, graph.Classify(graph.SetupError, n.Name, fmt.Errorf("unknown table %q", name))
	}
	t, err := source.Open(source.TableInput{
		Name:      name,
		Spec:      spec,
		Columns:   n.Columns,
		BatchSize: b.opts.BatchSize,
	})
	if err != nil {
		kind := graph.ResourceError
		if errors.Is(err, source.ErrConfig) || errors.Is(err, source.ErrUnknownColumn) {
			kind = graph.SetupError
		}
		return -1, graph.Classify(kind, n.Name, err)
	}
	b.q.tables = append(b.q.tables, t)
	b.log.Debug().Str("node", n.Name).Str("table", name).Strs("columns", t.Columns()).Msg("table opened")

	id, err := b.q.Graph.AddSource(n.Name, t)
	if err != nil {
		return -1, err
	}
	b.q.schemas[n.Name] = t.Columns()
	return id, nil
}

func (b *builder) addTransform(n NodeConfig, inputs []graph.NodeID) (graph.NodeID, error) {
	in, err := b.unaryInput(n)
	if err != nil {
		return -1, err
	}

	var stages []op.Transform
	if n.Filter != "" {
		pred, err := expr.CompileFor(n.Filter, in)
		if err != nil {
			return -1, graph.Classify(graph.SetupError, n.Name, fmt.Errorf("filter: %w", err))
		}
		stages = append(stages, op.NewFilterOp(pred))
	}
	if len(n.Derive) > 0 {
		cols := make([]op.DerivedColumn, 0, len(n.Derive))
		// a derived column can use the ones before it
		known := append([]string(nil), in...)
		for _, d := range n.Derive {
			if d.Name == "" {
				return -1, graph.Classify(graph.SetupError, n.Name, fmt.Errorf("derive: column name is required"))
			}
			e, err := expr.CompileFor(d.Expr, known)
			if err != nil {
				return -1, graph.Classify(graph.SetupError, n.Name, fmt.Errorf("derive %s: %w", d.Name, err))
			}
			cols = append(cols, op.Derive(d.Name, e))
			known = types.MergeColumns(known, []string{d.Name})
		}
		stages = append(stages, op.NewDeriveOp(cols...))
	}
	if len(n.Select) > 0 {
		stages = append(stages, op.NewProjectOp(n.Select))
	}
	if len(n.Sort) > 0 {
		cols := make([]string, len(n.Sort))
		desc := make([]bool, len(n.Sort))
		for i, s := range n.Sort {
			cols[i], desc[i] = s.Column, s.Desc
		}
		stages = append(stages, op.NewSortOp(cols, desc))
	}
	if n.Limit != nil || n.Offset > 0 {
		limit := int64(-1)
		if n.Limit != nil {
			limit = *n.Limit
		}
		stages = append(stages, op.NewLimitOp(limit, n.Offset))
	}
	if len(stages) == 0 {
		return -1, graph.Classify(graph.SetupError, n.Name, fmt.Errorf("transform has no operation"))
	}

	var t op.Transform = op.Chain(stages...)
	if len(stages) == 1 {
		t = stages[0]
	}
	out, err := t.(op.SchemaMapper).OutputColumns(in)
	if err != nil {
		return -1, graph.Classify(graph.SetupError, n.Name, err)
	}

	id, err := b.q.Graph.AddTransform(n.Name, t)
	if err != nil {
		return -1, err
	}
	if err := b.subscribe(id, 0, inputs); err != nil {
		return -1, err
	}
	b.q.schemas[n.Name] = out
	return id, nil
}

func (b *builder) addAggregate(n NodeConfig, inputs []graph.NodeID) (graph.NodeID, error) {
	in, err := b.unaryInput(n)
	if err != nil {
		return -1, err
	}
	acc, err := op.NewGroupAccumulator(op.AccumulatorConfig{GroupKey: n.GroupKey, Aggregates: n.Aggregates})
	if err != nil {
		return -1, graph.Classify(graph.SetupError, n.Name, err)
	}
	out, err := acc.OutputColumns(in)
	if err != nil {
		return -1, graph.Classify(graph.SetupError, n.Name, err)
	}

	id, err := b.q.Graph.AddAggregate(n.Name, acc)
	if err != nil {
		return -1, err
	}
	if err := b.subscribe(id, 0, inputs); err != nil {
		return -1, err
	}
	b.q.schemas[n.Name] = out
	return id, nil
}

func (b *builder) addJoin(n NodeConfig, inputs []graph.NodeID) (graph.NodeID, error) {
	if len(inputs) != 2 {
		return -1, graph.Classify(graph.SetupError, n.Name,
			fmt.Errorf("join needs exactly two inputs [left, right], got %d", len(inputs)))
	}
	j, err := op.NewHashJoin(op.JoinConfig{LeftOn: n.LeftOn, RightOn: n.RightOn})
	if err != nil {
		return -1, graph.Classify(graph.SetupError, n.Name, err)
	}
	out, err := j.OutputColumns(b.q.schemas[n.Inputs[0]], b.q.schemas[n.Inputs[1]])
	if err != nil {
		return -1, graph.Classify(graph.SetupError, n.Name, err)
	}

	id, err := b.q.Graph.AddJoin(n.Name, j)
	if err != nil {
		return -1, err
	}
	for port, in := range inputs {
		if err := b.q.Graph.Subscribe(id, port, in); err != nil {
			return -1, err
		}
	}
	b.q.schemas[n.Name] = out
	return id, nil
}

// unaryInput checks that a single-port node has inputs with one common
// schema and returns it.
func (b *builder) unaryInput(n NodeConfig) ([]string, error) {
	if len(n.Inputs) == 0 {
		return nil, graph.Classify(graph.SetupError, n.Name, fmt.Errorf("%s node needs at least one input", n.Kind))
	}
	schema := b.q.schemas[n.Inputs[0]]
	for _, in := range n.Inputs[1:] {
		if !sameColumns(schema, b.q.schemas[in]) {
			return nil, graph.Classify(graph.SetupError, n.Name,
				fmt.Errorf("inputs %q and %q have different columns", n.Inputs[0], in))
		}
	}
	return schema, nil
}

func (b *builder) subscribe(consumer graph.NodeID, port int, producers []graph.NodeID) error {
	for _, p := range producers {
		if err := b.q.Graph.Subscribe(consumer, port, p); err != nil {
			return err
		}
	}
	return nil
}

func contains(cols []string, c string) bool {
	for _, x := range cols {
		if x == c {
			return true
		}
	}
	return false
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
