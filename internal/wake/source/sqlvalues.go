package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/ariyn/wake/internal/wake/types"
)

// SQLConfig defines an inline table from INSERT statements, e.g.
//
//	INSERT INTO customer (c_custkey, c_name) VALUES (1, 'Customer#1'), (2, 'Customer#2')
//
// Statements may be listed one by one or separated by semicolons in SQL.
type SQLConfig struct {
	SQL        string   `yaml:"sql"`
	Statements []string `yaml:"statements"`
	BatchSize  int      `yaml:"batch_size"`
}

// NewSQLTable parses every statement up front and serves the rows from
// memory. All statements must insert into the same column list.
func NewSQLTable(cfg SQLConfig, columns []string) (*MemoryTable, error) {
	stmts := append([]string(nil), cfg.Statements...)
	for _, s := range strings.Split(cfg.SQL, ";") {
		if strings.TrimSpace(s) != "" {
			stmts = append(stmts, s)
		}
	}
	if len(stmts) == 0 {
		return nil, fmt.Errorf("sql: %w: no statements", ErrConfig)
	}

	var (
		fields []string
		rows   []types.Tuple
	)
	for _, raw := range stmts {
		cols, batch, err := parseInsert(raw)
		if err != nil {
			return nil, err
		}
		if fields == nil {
			fields = cols
		} else if !sameColumns(fields, cols) {
			return nil, fmt.Errorf("sql: %w: statement columns %v differ from %v", ErrConfig, cols, fields)
		}
		rows = append(rows, batch...)
	}

	projected, _, err := projection(fields, columns)
	if err != nil {
		return nil, fmt.Errorf("sql: %w", err)
	}
	return NewMemoryTable(projected, rows, cfg.BatchSize), nil
}

func parseInsert(raw string) ([]string, []types.Tuple, error) {
	stmt, err := sqlparser.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("sql: %w: failed to parse SQL: %v", ErrConfig, err)
	}
	ins, ok := stmt.(*sqlparser.Insert)
	if !ok {
		return nil, nil, fmt.Errorf("sql: %w: unsupported statement type %T", ErrConfig, stmt)
	}
	if len(ins.Columns) == 0 {
		return nil, nil, fmt.Errorf("sql: %w: INSERT into %s needs an explicit column list", ErrConfig, sqlparser.String(ins.Table))
	}
	cols := make([]string, 0, len(ins.Columns))
	for _, c := range ins.Columns {
		cols = append(cols, c.String())
	}

	values, ok := ins.Rows.(sqlparser.Values)
	if !ok {
		return nil, nil, fmt.Errorf("sql: %w: unsupported INSERT type %T", ErrConfig, ins.Rows)
	}
	rows := make([]types.Tuple, 0, len(values))
	for _, vt := range values {
		if len(vt) != len(cols) {
			return nil, nil, fmt.Errorf("sql: %w: expected %d values, got %d", ErrMalformed, len(cols), len(vt))
		}
		tuple := make(types.Tuple, len(cols))
		for i, e := range vt {
			v, err := sqlValue(e)
			if err != nil {
				return nil, nil, fmt.Errorf("sql: column %q: %w", cols[i], err)
			}
			tuple[cols[i]] = v
		}
		rows = append(rows, tuple)
	}
	return cols, rows, nil
}

func sqlValue(e sqlparser.Expr) (any, error) {
	switch v := e.(type) {
	case *sqlparser.SQLVal:
		switch v.Type {
		case sqlparser.IntVal:
			return strconv.ParseInt(string(v.Val), 10, 64)
		case sqlparser.FloatVal:
			return strconv.ParseFloat(string(v.Val), 64)
		default:
			return string(v.Val), nil
		}
	case *sqlparser.NullVal:
		return nil, nil
	case sqlparser.BoolVal:
		return bool(v), nil
	case *sqlparser.UnaryExpr:
		if v.Operator == sqlparser.UMinusStr {
			inner, err := sqlValue(v.Expr)
			if err != nil {
				return nil, err
			}
			switch x := inner.(type) {
			case int64:
				return -x, nil
			case float64:
				return -x, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: unsupported value %s", ErrMalformed, sqlparser.String(e))
}
