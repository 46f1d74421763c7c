package source

import (
	"io"

	"github.com/ariyn/wake/internal/wake/types"
)

// MemoryTable serves rows held in memory, in chunks of a fixed size.
type MemoryTable struct {
	columns   []string
	rows      []types.Tuple
	batchSize int
	pos       int
	closed    bool
}

// NewMemoryTable projects rows onto columns. Rows missing a projected column
// carry NULL for it.
func NewMemoryTable(columns []string, rows []types.Tuple, batchSize int) *MemoryTable {
	return &MemoryTable{
		columns:   append([]string(nil), columns...),
		rows:      rows,
		batchSize: batchSize,
	}
}

func (m *MemoryTable) Columns() []string { return append([]string(nil), m.columns...) }

func (m *MemoryTable) Next() (types.Batch, error) {
	if m.closed || m.pos >= len(m.rows) {
		return types.Batch{}, io.EOF
	}
	end := m.pos + batchSize(m.batchSize)
	if end > len(m.rows) {
		end = len(m.rows)
	}
	out := types.NewBatch(m.columns)
	out.Rows = make([]types.Tuple, 0, end-m.pos)
	for _, r := range m.rows[m.pos:end] {
		t := make(types.Tuple, len(m.columns))
		for _, c := range m.columns {
			t[c] = r[c]
		}
		out.Rows = append(out.Rows, t)
	}
	m.pos = end
	return out, nil
}

func (m *MemoryTable) Close() error {
	m.closed = true
	return nil
}
