package types

// Tuple represents a row as a map from column name to value.
type Tuple map[string]any

// Batch is a bounded chunk of rows flowing along one edge.
//
// Columns fixes the schema (and its order) for every row in the batch. A batch
// with zero rows is a valid value meaning "nothing matched"; it is not an
// end-of-stream marker.
type Batch struct {
	Columns []string
	Rows    []Tuple

	// Processed is the number of input rows folded into an aggregate snapshot.
	// It is zero for batches that are not derived from an aggregate.
	Processed int64
}

// NewBatch creates an empty batch with the given schema.
func NewBatch(columns []string) Batch {
	return Batch{Columns: append([]string(nil), columns...)}
}

// Len returns the number of rows.
func (b Batch) Len() int {
	return len(b.Rows)
}

// Empty reports whether the batch carries no rows.
func (b Batch) Empty() bool {
	return len(b.Rows) == 0
}

// Append adds a row. The row is stored as is; callers hand ownership over.
func (b *Batch) Append(t Tuple) {
	b.Rows = append(b.Rows, t)
}

// HasColumn reports whether name is part of the batch schema.
func (b Batch) HasColumn(name string) bool {
	for _, c := range b.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Column returns every value of a single column in row order.
func (b Batch) Column(name string) []any {
	out := make([]any, 0, len(b.Rows))
	for _, r := range b.Rows {
		out = append(out, r[name])
	}
	return out
}

// Clone returns a deep copy of the batch (rows are copied, values are not).
func (b Batch) Clone() Batch {
	out := Batch{
		Columns:   append([]string(nil), b.Columns...),
		Rows:      make([]Tuple, 0, len(b.Rows)),
		Processed: b.Processed,
	}
	for _, r := range b.Rows {
		out.Rows = append(out.Rows, CloneTuple(r))
	}
	return out
}

// CloneTuple copies a tuple.
func CloneTuple(t Tuple) Tuple {
	if t == nil {
		return nil
	}
	out := make(Tuple, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// MergeColumns returns the union of two schemas, keeping the order of a and
// appending the columns of b that a does not have.
func MergeColumns(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, c := range a {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range b {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
