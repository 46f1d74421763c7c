package op

import (
	"fmt"
	"sort"

	"github.com/ariyn/wake/internal/wake/expr"
	"github.com/ariyn/wake/internal/wake/types"
)

var (
	// ErrMissingColumn is returned when a referenced column is absent.
	ErrMissingColumn = expr.ErrMissingColumn
	// ErrType is returned on a type mismatch inside an operator.
	ErrType = expr.ErrType
)

// Transform maps one batch to another. Implementations are stateless across
// batches; the result is forwarded even when it has zero rows.
type Transform interface {
	Apply(batch types.Batch) (types.Batch, error)
}

// SchemaMapper is implemented by operators that can derive their output
// schema from their input schema. It lets a graph builder reject missing
// columns before any data flows.
type SchemaMapper interface {
	OutputColumns(in []string) ([]string, error)
}

// Func adapts a plain function to Transform.
type Func func(types.Batch) (types.Batch, error)

func (f Func) Apply(batch types.Batch) (types.Batch, error) { return f(batch) }

// FilterOp keeps the rows for which Predicate holds.
type FilterOp struct {
	Predicate func(types.Tuple) (bool, error)
	columns   []string
}

// NewFilterOp builds a filter from a compiled predicate expression.
func NewFilterOp(pred *expr.Expr) *FilterOp {
	return &FilterOp{Predicate: pred.Test, columns: pred.Columns()}
}

func (f *FilterOp) Apply(batch types.Batch) (types.Batch, error) {
	out := types.Batch{Columns: batch.Columns, Processed: batch.Processed, Rows: make([]types.Tuple, 0, len(batch.Rows))}
	for _, r := range batch.Rows {
		ok, err := f.Predicate(r)
		if err != nil {
			return types.Batch{}, fmt.Errorf("filter: %w", err)
		}
		if ok {
			out.Rows = append(out.Rows, r)
		}
	}
	return out, nil
}

func (f *FilterOp) OutputColumns(in []string) ([]string, error) {
	if err := requireColumns(in, f.columns); err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return in, nil
}

// ProjectOp keeps the given columns, in the given order.
type ProjectOp struct {
	Columns []string
}

func NewProjectOp(columns []string) *ProjectOp {
	return &ProjectOp{Columns: append([]string(nil), columns...)}
}

func (p *ProjectOp) Apply(batch types.Batch) (types.Batch, error) {
	if err := requireColumns(batch.Columns, p.Columns); err != nil && len(batch.Columns) > 0 {
		return types.Batch{}, fmt.Errorf("project: %w", err)
	}
	out := types.Batch{Columns: p.Columns, Processed: batch.Processed, Rows: make([]types.Tuple, 0, len(batch.Rows))}
	for _, r := range batch.Rows {
		nt := make(types.Tuple, len(p.Columns))
		for _, c := range p.Columns {
			nt[c] = r[c]
		}
		out.Rows = append(out.Rows, nt)
	}
	return out, nil
}

func (p *ProjectOp) OutputColumns(in []string) ([]string, error) {
	if err := requireColumns(in, p.Columns); err != nil {
		return nil, fmt.Errorf("project: %w", err)
	}
	return p.Columns, nil
}

// DerivedColumn computes one output column per row.
type DerivedColumn struct {
	Name string
	Eval func(types.Tuple) (any, error)

	deps []string
}

// Derive builds a DerivedColumn from a compiled expression.
func Derive(name string, e *expr.Expr) DerivedColumn {
	return DerivedColumn{Name: name, Eval: e.Eval, deps: e.Columns()}
}

// DeriveOp appends (or overwrites) computed columns. Later columns may refer
// to earlier ones.
type DeriveOp struct {
	Columns []DerivedColumn
}

func NewDeriveOp(cols ...DerivedColumn) *DeriveOp {
	return &DeriveOp{Columns: cols}
}

func (d *DeriveOp) Apply(batch types.Batch) (types.Batch, error) {
	names := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		names = append(names, c.Name)
	}
	out := types.Batch{
		Columns:   types.MergeColumns(batch.Columns, names),
		Processed: batch.Processed,
		Rows:      make([]types.Tuple, 0, len(batch.Rows)),
	}
	for _, r := range batch.Rows {
		nt := types.CloneTuple(r)
		for _, c := range d.Columns {
			v, err := c.Eval(nt)
			if err != nil {
				return types.Batch{}, fmt.Errorf("derive %s: %w", c.Name, err)
			}
			nt[c.Name] = v
		}
		out.Rows = append(out.Rows, nt)
	}
	return out, nil
}

func (d *DeriveOp) OutputColumns(in []string) ([]string, error) {
	cols := append([]string(nil), in...)
	for _, c := range d.Columns {
		if err := requireColumns(cols, c.deps); err != nil {
			return nil, fmt.Errorf("derive %s: %w", c.Name, err)
		}
		cols = types.MergeColumns(cols, []string{c.Name})
	}
	return cols, nil
}

// SortOp orders the rows of each batch.
type SortOp struct {
	OrderColumns []string
	Descending   []bool
}

func NewSortOp(orderColumns []string, descending []bool) *SortOp {
	if len(descending) == 0 {
		descending = make([]bool, len(orderColumns))
	}
	return &SortOp{OrderColumns: orderColumns, Descending: descending}
}

func (s *SortOp) Apply(batch types.Batch) (types.Batch, error) {
	out := types.Batch{Columns: batch.Columns, Processed: batch.Processed, Rows: append([]types.Tuple(nil), batch.Rows...)}
	if len(s.OrderColumns) == 0 {
		return out, nil
	}
	sort.SliceStable(out.Rows, func(i, j int) bool {
		for idx, col := range s.OrderColumns {
			cmp := types.Compare(out.Rows[i][col], out.Rows[j][col])
			if idx < len(s.Descending) && s.Descending[idx] {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
	return out, nil
}

func (s *SortOp) OutputColumns(in []string) ([]string, error) {
	if err := requireColumns(in, s.OrderColumns); err != nil {
		return nil, fmt.Errorf("sort: %w", err)
	}
	return in, nil
}

// LimitOp keeps at most Limit rows of each batch after skipping Offset.
// A negative Limit keeps everything after the offset.
type LimitOp struct {
	Limit  int64
	Offset int64
}

func NewLimitOp(limit, offset int64) *LimitOp {
	return &LimitOp{Limit: limit, Offset: offset}
}

func (l *LimitOp) Apply(batch types.Batch) (types.Batch, error) {
	out := types.Batch{Columns: batch.Columns, Processed: batch.Processed}
	if l.Offset >= int64(len(batch.Rows)) {
		out.Rows = []types.Tuple{}
		return out, nil
	}
	start := 0
	if l.Offset > 0 {
		start = int(l.Offset)
	}
	end := len(batch.Rows)
	if l.Limit >= 0 && l.Limit < int64(end-start) {
		end = start + int(l.Limit)
	}
	out.Rows = append([]types.Tuple(nil), batch.Rows[start:end]...)
	return out, nil
}

func (l *LimitOp) OutputColumns(in []string) ([]string, error) { return in, nil }

// ChainedOp applies multiple transforms in sequence.
type ChainedOp struct {
	Ops []Transform
}

func Chain(ops ...Transform) *ChainedOp {
	return &ChainedOp{Ops: ops}
}

func (c *ChainedOp) Apply(batch types.Batch) (types.Batch, error) {
	cur := batch
	for _, o := range c.Ops {
		var err error
		cur, err = o.Apply(cur)
		if err != nil {
			return types.Batch{}, err
		}
	}
	return cur, nil
}

// OutputColumns folds the schema through every stage. Stages that do not
// implement SchemaMapper make the result unknown (nil, nil).
func (c *ChainedOp) OutputColumns(in []string) ([]string, error) {
	cur := in
	for _, o := range c.Ops {
		m, ok := o.(SchemaMapper)
		if !ok {
			return nil, nil
		}
		var err error
		cur, err = m.OutputColumns(cur)
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func requireColumns(have, want []string) error {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range want {
		if _, ok := set[c]; !ok {
			return fmt.Errorf("%q: %w", c, ErrMissingColumn)
		}
	}
	return nil
}
