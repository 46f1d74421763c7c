package op

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/wake/internal/wake/expr"
	"github.com/ariyn/wake/internal/wake/types"
)

func lineitems() types.Batch {
	return types.Batch{
		Columns: []string{"l_shipdate", "l_extendedprice", "l_discount"},
		Rows: []types.Tuple{
			{"l_shipdate": "1993-12-31", "l_extendedprice": 100.0, "l_discount": 0.1},
			{"l_shipdate": "1994-03-01", "l_extendedprice": 200.0, "l_discount": 0.05},
			{"l_shipdate": "1995-01-01", "l_extendedprice": 300.0, "l_discount": 0.2},
		},
	}
}

func TestFilterOp(t *testing.T) {
	f := NewFilterOp(expr.MustCompile("l_shipdate >= '1994-01-01' && l_shipdate < '1995-01-01'"))
	out, err := f.Apply(lineitems())
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "1994-03-01", out.Rows[0]["l_shipdate"])
	assert.Equal(t, lineitems().Columns, out.Columns)
}

func TestFilterOpEmptyResultKeepsSchema(t *testing.T) {
	f := NewFilterOp(expr.MustCompile("l_shipdate > '2000-01-01'"))
	out, err := f.Apply(lineitems())
	require.NoError(t, err)
	assert.True(t, out.Empty())
	assert.NotNil(t, out.Rows)
	assert.Equal(t, lineitems().Columns, out.Columns)
}

func TestFilterOpTypeError(t *testing.T) {
	f := NewFilterOp(expr.MustCompile("l_shipdate > 5"))
	_, err := f.Apply(lineitems())
	assert.True(t, errors.Is(err, ErrType))
}

func TestDeriveAndProject(t *testing.T) {
	chain := Chain(
		NewDeriveOp(Derive("revenue", expr.MustCompile("l_extendedprice * l_discount"))),
		NewProjectOp([]string{"revenue"}),
	)
	out, err := chain.Apply(lineitems())
	require.NoError(t, err)
	assert.Equal(t, []string{"revenue"}, out.Columns)
	require.Len(t, out.Rows, 3)
	assert.InDelta(t, 10.0, out.Rows[0]["revenue"], 1e-9)
	assert.InDelta(t, 10.0, out.Rows[1]["revenue"], 1e-9)
	assert.InDelta(t, 60.0, out.Rows[2]["revenue"], 1e-9)
	assert.Len(t, out.Rows[0], 1)

	cols, err := chain.OutputColumns(lineitems().Columns)
	require.NoError(t, err)
	assert.Equal(t, []string{"revenue"}, cols)
}

func TestOutputColumnsMissing(t *testing.T) {
	_, err := NewProjectOp([]string{"nope"}).OutputColumns([]string{"a"})
	assert.True(t, errors.Is(err, ErrMissingColumn))

	_, err = NewFilterOp(expr.MustCompile("b == 1")).OutputColumns([]string{"a"})
	assert.True(t, errors.Is(err, ErrMissingColumn))

	d := NewDeriveOp(
		Derive("x", expr.MustCompile("a * 2")),
		Derive("y", expr.MustCompile("x + 1")),
	)
	cols, err := d.OutputColumns([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "x", "y"}, cols)
}

func TestSortAndLimit(t *testing.T) {
	in := types.Batch{
		Columns: []string{"name", "total"},
		Rows: []types.Tuple{
			{"name": "a", "total": 1.0},
			{"name": "b", "total": 3.0},
			{"name": "c", "total": 2.0},
		},
		Processed: 7,
	}
	out, err := Chain(NewSortOp([]string{"total"}, []bool{true}), NewLimitOp(2, 0)).Apply(in)
	require.NoError(t, err)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, "b", out.Rows[0]["name"])
	assert.Equal(t, "c", out.Rows[1]["name"])
	assert.Equal(t, int64(7), out.Processed)
	assert.Equal(t, "a", in.Rows[0]["name"], "input must not be reordered")

	out, err = NewLimitOp(5, 10).Apply(in)
	require.NoError(t, err)
	assert.True(t, out.Empty())
}

func TestLimitBounds(t *testing.T) {
	in := types.Batch{Columns: []string{"v"}, Rows: []types.Tuple{{"v": 1}, {"v": 2}, {"v": 3}}}
	for _, tc := range []struct {
		name          string
		limit, offset int64
		want          []any
	}{
		{name: "max limit", limit: math.MaxInt64, want: []any{1, 2, 3}},
		{name: "max limit after offset", limit: math.MaxInt64, offset: 1, want: []any{2, 3}},
		{name: "negative limit", limit: -1, offset: 2, want: []any{3}},
		{name: "max offset", limit: 1, offset: math.MaxInt64, want: []any{}},
		{name: "negative offset", limit: 2, offset: -4, want: []any{1, 2}},
		{name: "zero limit", limit: 0, want: []any{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, err := NewLimitOp(tc.limit, tc.offset).Apply(in)
			require.NoError(t, err)
			got := []any{}
			for _, r := range out.Rows {
				got = append(got, r["v"])
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFuncTransform(t *testing.T) {
	called := 0
	f := Func(func(b types.Batch) (types.Batch, error) {
		called++
		return b, nil
	})
	_, err := f.Apply(types.Batch{})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
}
