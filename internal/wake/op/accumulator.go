package op

import (
	"fmt"

	"github.com/ariyn/wake/internal/wake/types"
)

// Accumulator folds batches into running state. Fold returns the cumulative
// snapshot after the merge, never a delta.
type Accumulator interface {
	Fold(batch types.Batch) (types.Batch, error)
	Snapshot() types.Batch
}

// AggregateSpec names one (column, function) pair. As overrides the default
// output column name "<column>_<function>".
type AggregateSpec struct {
	Column string `yaml:"column" koanf:"column"`
	Func   string `yaml:"func" koanf:"func"`
	As     string `yaml:"as,omitempty" koanf:"as"`
}

// OutputName returns the name of the produced column.
func (s AggregateSpec) OutputName() string {
	if s.As != "" {
		return s.As
	}
	return s.Column + "_" + s.Func
}

// AccumulatorConfig configures a GroupAccumulator. An empty GroupKey means one
// implicit global group.
type AccumulatorConfig struct {
	GroupKey   []string        `yaml:"group_key" koanf:"group_key"`
	Aggregates []AggregateSpec `yaml:"aggregates" koanf:"aggregates"`
}

type aggSlot struct {
	spec AggregateSpec
	fn   AggFunc
}

type groupState struct {
	key    []any
	states []any
}

// GroupAccumulator is a grouped progressive aggregate. Groups are emitted in
// first-seen order.
type GroupAccumulator struct {
	groupKey []string
	slots    []aggSlot
	columns  []string

	groups    map[string]*groupState
	order     []string
	processed int64
}

// NewGroupAccumulator validates cfg and resolves every aggregate function.
func NewGroupAccumulator(cfg AccumulatorConfig) (*GroupAccumulator, error) {
	if len(cfg.Aggregates) == 0 {
		return nil, fmt.Errorf("aggregate: no aggregates configured")
	}
	g := &GroupAccumulator{
		groupKey: append([]string(nil), cfg.GroupKey...),
		groups:   make(map[string]*groupState),
	}
	g.columns = append(g.columns, g.groupKey...)
	seen := make(map[string]struct{})
	for _, c := range g.groupKey {
		seen[c] = struct{}{}
	}
	for _, spec := range cfg.Aggregates {
		if spec.Column == "" {
			return nil, fmt.Errorf("aggregate %s: empty column", spec.Func)
		}
		fn, err := LookupAggFunc(spec.Func)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", spec.Column, err)
		}
		name := spec.OutputName()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("aggregate: duplicate output column %q", name)
		}
		seen[name] = struct{}{}
		g.slots = append(g.slots, aggSlot{spec: spec, fn: fn})
		g.columns = append(g.columns, name)
	}
	if len(g.groupKey) == 0 {
		g.group("", nil)
	}
	return g, nil
}

// Fold computes a partial aggregate for batch, merges it into the running
// totals and returns the full snapshot.
func (g *GroupAccumulator) Fold(batch types.Batch) (types.Batch, error) {
	if len(batch.Rows) > 0 && len(batch.Columns) > 0 {
		if err := requireColumns(batch.Columns, g.inputColumns()); err != nil {
			return types.Batch{}, fmt.Errorf("aggregate: %w", err)
		}
	}

	partial := make(map[string]*groupState)
	var order []string
	for _, r := range batch.Rows {
		k := types.KeyOf(r, g.groupKey)
		gs, ok := partial[k]
		if !ok {
			gs = &groupState{key: keyValues(r, g.groupKey), states: g.initStates()}
			partial[k] = gs
			order = append(order, k)
		}
		for i, s := range g.slots {
			next, err := s.fn.Step(gs.states[i], r[s.spec.Column])
			if err != nil {
				return types.Batch{}, fmt.Errorf("aggregate %s: %w", s.spec.OutputName(), err)
			}
			gs.states[i] = next
		}
	}

	for _, k := range order {
		p := partial[k]
		gs := g.group(k, p.key)
		for i, s := range g.slots {
			gs.states[i] = s.fn.Merge(gs.states[i], p.states[i])
		}
	}
	g.processed += int64(len(batch.Rows))
	return g.Snapshot(), nil
}

// Snapshot renders every group's current totals.
func (g *GroupAccumulator) Snapshot() types.Batch {
	out := types.Batch{
		Columns:   append([]string(nil), g.columns...),
		Rows:      make([]types.Tuple, 0, len(g.order)),
		Processed: g.processed,
	}
	for _, k := range g.order {
		gs := g.groups[k]
		row := make(types.Tuple, len(g.columns))
		for i, c := range g.groupKey {
			row[c] = gs.key[i]
		}
		for i, s := range g.slots {
			row[s.spec.OutputName()] = s.fn.Value(gs.states[i])
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// Processed is the number of input rows folded so far.
func (g *GroupAccumulator) Processed() int64 { return g.processed }

// OutputColumns checks that every referenced column exists upstream.
func (g *GroupAccumulator) OutputColumns(in []string) ([]string, error) {
	if err := requireColumns(in, g.inputColumns()); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return append([]string(nil), g.columns...), nil
}

func (g *GroupAccumulator) inputColumns() []string {
	cols := append([]string(nil), g.groupKey...)
	for _, s := range g.slots {
		cols = append(cols, s.spec.Column)
	}
	return cols
}

func (g *GroupAccumulator) group(k string, key []any) *groupState {
	gs, ok := g.groups[k]
	if !ok {
		gs = &groupState{key: key, states: g.initStates()}
		g.groups[k] = gs
		g.order = append(g.order, k)
	}
	return gs
}

func (g *GroupAccumulator) initStates() []any {
	states := make([]any, len(g.slots))
	for i, s := range g.slots {
		states[i] = s.fn.Init()
	}
	return states
}

func keyValues(t types.Tuple, cols []string) []any {
	if len(cols) == 0 {
		return nil
	}
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = t[c]
	}
	return out
}
