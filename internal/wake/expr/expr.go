// Package expr compiles the scalar expressions of query definitions with
// CEL: column references, literals, arithmetic, comparisons, `in` lists and
// boolean connectives. Columns are declared as dynamically typed variables.
//
// A NULL column value makes any operator that cannot handle it yield NULL,
// and a NULL predicate is false.
package expr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/ast"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/ariyn/wake/internal/wake/types"
)

var (
	// ErrType is returned when an operator is applied to values of the wrong type.
	ErrType = errors.New("type mismatch")
	// ErrMissingColumn is returned when an expression names a column the
	// input does not have.
	ErrMissingColumn = errors.New("missing column")
)

// baseEnv holds the standard library shared by every compiled expression.
var baseEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(cel.CrossTypeNumericComparisons(true))
})

// programs caches compiled expressions by source and declared columns.
var programs sync.Map

// Expr is a compiled expression. It is immutable and safe for concurrent use.
type Expr struct {
	src  string
	prg  cel.Program
	cols []string
}

// Compile compiles src, declaring every identifier it references as a
// column.
func Compile(src string) (*Expr, error) {
	return compile(src, nil)
}

// CompileFor compiles src against an input schema. Referencing a column that
// is not in columns fails with ErrMissingColumn.
func CompileFor(src string, columns []string) (*Expr, error) {
	if columns == nil {
		columns = []string{}
	}
	return compile(src, columns)
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

func compile(src string, schema []string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	env, err := baseEnv()
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}

	parsed, iss := env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", src, iss.Err())
	}
	idents := identifiers(parsed.NativeRep().Expr())
	if schema != nil {
		known := make(map[string]struct{}, len(schema))
		for _, c := range schema {
			known[c] = struct{}{}
		}
		for _, id := range idents {
			if _, ok := known[id]; !ok {
				return nil, fmt.Errorf("compile %q: %q: %w", src, id, ErrMissingColumn)
			}
		}
	}

	key := src + "\x00" + strings.Join(idents, "\x00")
	if cached, ok := programs.Load(key); ok {
		return cached.(*Expr), nil
	}

	vars := make([]cel.EnvOption, 0, len(idents))
	for _, id := range idents {
		vars = append(vars, cel.Variable(id, cel.DynType))
	}
	env, err = env.Extend(vars...)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	checked, iss := env.Check(parsed)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", src, iss.Err())
	}
	prg, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}

	e := &Expr{src: src, prg: prg, cols: referencedColumns(checked, idents)}
	programs.Store(key, e)
	return e, nil
}

// identifiers lists the free identifiers of an expression in order of first
// appearance. Comprehension variables are bound, not columns.
func identifiers(root ast.Expr) []string {
	var (
		seen  []string
		bound = map[string]struct{}{}
	)
	ast.PostOrderVisit(root, ast.NewExprVisitor(func(e ast.Expr) {
		switch e.Kind() {
		case ast.IdentKind:
			seen = append(seen, e.AsIdent())
		case ast.ComprehensionKind:
			c := e.AsComprehension()
			bound[c.IterVar()] = struct{}{}
			bound[c.AccuVar()] = struct{}{}
		}
	}))

	out := make([]string, 0, len(seen))
	dup := make(map[string]struct{}, len(seen))
	for _, id := range seen {
		if _, ok := bound[id]; ok {
			continue
		}
		if _, ok := dup[id]; ok {
			continue
		}
		dup[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// referencedColumns reads the columns the checker resolved, ordered by
// expression id.
func referencedColumns(checked *cel.Ast, declared []string) []string {
	isCol := make(map[string]struct{}, len(declared))
	for _, c := range declared {
		isCol[c] = struct{}{}
	}
	refs := checked.NativeRep().ReferenceMap()
	ids := make([]int64, 0, len(refs))
	for id, r := range refs {
		if _, ok := isCol[r.Name]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cols := make([]string, 0, len(declared))
	seen := make(map[string]struct{}, len(declared))
	for _, id := range ids {
		name := refs[id].Name
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		cols = append(cols, name)
	}
	return cols
}

func (e *Expr) String() string { return e.src }

// Columns lists referenced columns in order of first appearance.
func (e *Expr) Columns() []string {
	return append([]string(nil), e.cols...)
}

// Eval evaluates the expression against one row.
func (e *Expr) Eval(t types.Tuple) (any, error) {
	vars := make(map[string]any, len(e.cols))
	hasNull := false
	for _, c := range e.cols {
		v := columnValue(t[c])
		if v == nil {
			hasNull = true
		}
		vars[c] = v
	}

	out, _, err := e.prg.Eval(vars)
	if err != nil {
		if hasNull {
			return nil, nil
		}
		if strings.Contains(err.Error(), "no such overload") {
			return nil, fmt.Errorf("eval %q: %v: %w", e.src, err, ErrType)
		}
		return nil, fmt.Errorf("eval %q: %w", e.src, err)
	}
	return nativeValue(out), nil
}

// Test evaluates the expression as a predicate. NULL counts as false.
func (e *Expr) Test(t types.Tuple) (bool, error) {
	v, err := e.Eval(t)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	default:
		return false, fmt.Errorf("eval %q: predicate yields %T: %w", e.src, v, ErrType)
	}
}

// columnValue widens the integer kinds a table may produce to int64.
func columnValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint64:
		if i, ok := types.ToInt64(x); ok && i >= 0 {
			return i
		}
	}
	return v
}

func nativeValue(v ref.Val) any {
	if v.Type() == celtypes.NullType {
		return nil
	}
	return v.Value()
}
