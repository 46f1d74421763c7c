package source

import (
	"errors"
	"fmt"
	"io"

	"github.com/ariyn/wake/internal/wake/types"
)

// ChainTable reads several tables with the same schema one after another.
type ChainTable struct {
	tables  []Table
	current int
}

// NewChainTable checks that every part shares the schema of the first.
func NewChainTable(tables ...Table) (*ChainTable, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("chain: no tables")
	}
	want := tables[0].Columns()
	for i, t := range tables[1:] {
		got := t.Columns()
		if !sameColumns(want, got) {
			return nil, fmt.Errorf("chain: part %d has columns %v, want %v", i+1, got, want)
		}
	}
	return &ChainTable{tables: tables}, nil
}

func (c *ChainTable) Columns() []string { return c.tables[0].Columns() }

func (c *ChainTable) Next() (types.Batch, error) {
	for c.current < len(c.tables) {
		b, err := c.tables[c.current].Next()
		if errors.Is(err, io.EOF) {
			c.current++
			continue
		}
		if err != nil {
			return types.Batch{}, err
		}
		return b, nil
	}
	return types.Batch{}, io.EOF
}

func (c *ChainTable) Close() error {
	var errs []error
	for _, t := range c.tables {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeAll(tables []Table) {
	for _, t := range tables {
		_ = t.Close()
	}
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
