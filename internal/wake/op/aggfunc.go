package op

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ariyn/wake/internal/wake/types"
)

// ErrUnknownFunc is returned for an aggregate function name that is not
// registered.
var ErrUnknownFunc = errors.New("unknown aggregate function")

// AggFunc is an associative aggregate. Step folds a single value into a
// partial state; Merge combines two partial states; Value renders a state.
// NULL inputs are skipped by every built-in function.
type AggFunc interface {
	Init() any
	Step(state any, v any) (any, error)
	Merge(a, b any) any
	Value(state any) any
}

var aggFuncs = map[string]func() AggFunc{
	"sum":   func() AggFunc { return SumAgg{} },
	"count": func() AggFunc { return CountAgg{} },
	"avg":   func() AggFunc { return AvgAgg{} },
	"mean":  func() AggFunc { return AvgAgg{} },
	"min":   func() AggFunc { return MinAgg{} },
	"max":   func() AggFunc { return MaxAgg{} },

	"count_distinct": func() AggFunc { return CountDistinctAgg{} },
}

// LookupAggFunc resolves a function name (case-insensitive).
func LookupAggFunc(name string) (AggFunc, error) {
	f, ok := aggFuncs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownFunc)
	}
	return f(), nil
}

// sumState keeps integer sums exact until a float shows up.
type sumState struct {
	i       int64
	f       float64
	isFloat bool
}

// SumAgg adds numeric values.
type SumAgg struct{}

func (SumAgg) Init() any { return sumState{} }

func (SumAgg) Step(state any, v any) (any, error) {
	s := state.(sumState)
	if v == nil {
		return s, nil
	}
	switch x := v.(type) {
	case int64:
		s.i += x
		return s, nil
	case int:
		s.i += int64(x)
		return s, nil
	case int32:
		s.i += int64(x)
		return s, nil
	}
	if !types.IsNumeric(v) {
		return nil, fmt.Errorf("sum of %T: %w", v, ErrType)
	}
	f, _ := types.ToFloat64(v)
	s.f += f
	s.isFloat = true
	return s, nil
}

func (SumAgg) Merge(a, b any) any {
	x, y := a.(sumState), b.(sumState)
	return sumState{i: x.i + y.i, f: x.f + y.f, isFloat: x.isFloat || y.isFloat}
}

func (SumAgg) Value(state any) any {
	s := state.(sumState)
	if s.isFloat {
		return s.f + float64(s.i)
	}
	return s.i
}

// CountAgg counts non-NULL values.
type CountAgg struct{}

func (CountAgg) Init() any { return int64(0) }

func (CountAgg) Step(state any, v any) (any, error) {
	if v == nil {
		return state, nil
	}
	return state.(int64) + 1, nil
}

func (CountAgg) Merge(a, b any) any { return a.(int64) + b.(int64) }

func (CountAgg) Value(state any) any { return state }

// distinctSet holds the key of every value seen.
type distinctSet map[string]struct{}

// CountDistinctAgg counts distinct non-NULL values. Values that compare
// equal as map keys, such as int64(1) and 1.0, count once.
type CountDistinctAgg struct{}

func (CountDistinctAgg) Init() any { return distinctSet{} }

func (CountDistinctAgg) Step(state any, v any) (any, error) {
	s := state.(distinctSet)
	if v != nil {
		s[types.ValueKey(v)] = struct{}{}
	}
	return s, nil
}

// Merge adds the members of b to a.
func (CountDistinctAgg) Merge(a, b any) any {
	x, y := a.(distinctSet), b.(distinctSet)
	for k := range y {
		x[k] = struct{}{}
	}
	return x
}

func (CountDistinctAgg) Value(state any) any { return int64(len(state.(distinctSet))) }

// AvgMonoid is the mergeable state of an average.
type AvgMonoid struct {
	Sum   float64
	Count int64
}

func (a AvgMonoid) Combine(other AvgMonoid) AvgMonoid {
	return AvgMonoid{Sum: a.Sum + other.Sum, Count: a.Count + other.Count}
}

// AvgAgg computes the arithmetic mean. An empty group yields NULL.
type AvgAgg struct{}

func (AvgAgg) Init() any { return AvgMonoid{} }

func (AvgAgg) Step(state any, v any) (any, error) {
	m := state.(AvgMonoid)
	if v == nil {
		return m, nil
	}
	if !types.IsNumeric(v) {
		return nil, fmt.Errorf("avg of %T: %w", v, ErrType)
	}
	f, _ := types.ToFloat64(v)
	return m.Combine(AvgMonoid{Sum: f, Count: 1}), nil
}

func (AvgAgg) Merge(a, b any) any { return a.(AvgMonoid).Combine(b.(AvgMonoid)) }

func (AvgAgg) Value(state any) any {
	m := state.(AvgMonoid)
	if m.Count == 0 {
		return nil
	}
	return m.Sum / float64(m.Count)
}

// MinAgg keeps the smallest value seen.
type MinAgg struct{}

func (MinAgg) Init() any { return nil }

func (MinAgg) Step(state any, v any) (any, error) { return pick(state, v, -1) }

func (MinAgg) Merge(a, b any) any {
	v, _ := pick(a, b, -1)
	return v
}

func (MinAgg) Value(state any) any { return state }

// MaxAgg keeps the largest value seen.
type MaxAgg struct{}

func (MaxAgg) Init() any { return nil }

func (MaxAgg) Step(state any, v any) (any, error) { return pick(state, v, 1) }

func (MaxAgg) Merge(a, b any) any {
	v, _ := pick(a, b, 1)
	return v
}

func (MaxAgg) Value(state any) any { return state }

func pick(cur, v any, want int) (any, error) {
	if v == nil {
		return cur, nil
	}
	if cur == nil {
		return v, nil
	}
	_, curStr := cur.(string)
	_, vStr := v.(string)
	if curStr != vStr {
		return nil, fmt.Errorf("compare %T with %T: %w", cur, v, ErrType)
	}
	if c := types.Compare(v, cur); c == want {
		return v, nil
	}
	return cur, nil
}
