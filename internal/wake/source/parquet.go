package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet/file"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"

	"github.com/ariyn/wake/internal/wake/types"
)

// ParquetConfig describes one or more parquet files with a flat schema.
type ParquetConfig struct {
	Path      string   `yaml:"path"`
	Paths     []string `yaml:"paths"`
	BatchSize int      `yaml:"batch_size"`
}

// ParquetTable streams the row groups of one parquet file, reading only the
// projected columns.
type ParquetTable struct {
	path    string
	rdr     *file.Reader
	rr      pqarrow.RecordReader
	columns []string
	done    bool
}

// NewParquetTable opens path and prepares a record reader over columns.
func NewParquetTable(path string, cfg ParquetConfig, columns []string) (*ParquetTable, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file %s: %w", path, err)
	}

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: int64(batchSize(cfg.BatchSize))}, memory.NewGoAllocator())
	if err != nil {
		rdr.Close()
		return nil, fmt.Errorf("parquet %s: %w", path, err)
	}

	schema := rdr.MetaData().Schema
	available := make([]string, schema.NumColumns())
	for i := range available {
		available[i] = schema.Column(i).Name()
	}
	cols, idx, err := projection(available, columns)
	if err != nil {
		rdr.Close()
		return nil, fmt.Errorf("parquet %s: %w", path, err)
	}

	rr, err := fr.GetRecordReader(context.Background(), idx, nil)
	if err != nil {
		rdr.Close()
		return nil, fmt.Errorf("parquet %s: record reader: %w", path, err)
	}

	return &ParquetTable{path: path, rdr: rdr, rr: rr, columns: cols}, nil
}

func (p *ParquetTable) Columns() []string { return append([]string(nil), p.columns...) }

func (p *ParquetTable) Next() (types.Batch, error) {
	if p.done {
		return types.Batch{}, io.EOF
	}
	if !p.rr.Next() {
		p.done = true
		if err := p.rr.Err(); err != nil && !errors.Is(err, io.EOF) {
			return types.Batch{}, fmt.Errorf("parquet %s: %w: %v", p.path, ErrMalformed, err)
		}
		return types.Batch{}, io.EOF
	}
	rec := p.rr.Record()

	pos := make([]int, len(p.columns))
	for i, c := range p.columns {
		found := rec.Schema().FieldIndices(c)
		if len(found) == 0 {
			return types.Batch{}, fmt.Errorf("parquet %s: %q: %w", p.path, c, ErrUnknownColumn)
		}
		pos[i] = found[0]
	}

	n := int(rec.NumRows())
	batch := types.NewBatch(p.columns)
	batch.Rows = make([]types.Tuple, 0, n)
	for row := 0; row < n; row++ {
		tuple := make(types.Tuple, len(p.columns))
		for i, c := range p.columns {
			v, err := arrowValue(rec.Column(pos[i]), row)
			if err != nil {
				return types.Batch{}, fmt.Errorf("parquet %s: column %q: %w", p.path, c, err)
			}
			tuple[c] = v
		}
		batch.Rows = append(batch.Rows, tuple)
	}
	return batch, nil
}

func (p *ParquetTable) Close() error {
	if p.rdr == nil {
		return nil
	}
	p.rr.Release()
	err := p.rdr.Close()
	p.rdr = nil
	p.done = true
	return err
}

func arrowValue(arr arrow.Array, row int) (any, error) {
	if arr.IsNull(row) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(row), nil
	case *array.LargeString:
		return a.Value(row), nil
	case *array.Int64:
		return a.Value(row), nil
	case *array.Int32:
		return int64(a.Value(row)), nil
	case *array.Int16:
		return int64(a.Value(row)), nil
	case *array.Float64:
		return a.Value(row), nil
	case *array.Float32:
		return float64(a.Value(row)), nil
	case *array.Boolean:
		return a.Value(row), nil
	case *array.Date32:
		return a.Value(row).ToTime().Format("2006-01-02"), nil
	case *array.Binary:
		return string(a.Value(row)), nil
	default:
		return nil, fmt.Errorf("%w: unsupported arrow type %s", ErrMalformed, arr.DataType())
	}
}

func openParquet(cfg ParquetConfig, columns []string, size int) (Table, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = size
	}
	paths := cfg.Paths
	if cfg.Path != "" {
		paths = append([]string{cfg.Path}, paths...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("parquet: %w: path or paths is required", ErrConfig)
	}
	if len(paths) == 1 {
		return NewParquetTable(paths[0], cfg, columns)
	}
	var parts []Table
	for _, p := range paths {
		t, err := NewParquetTable(p, cfg, columns)
		if err != nil {
			closeAll(parts)
			return nil, err
		}
		parts = append(parts, t)
	}
	chain, err := NewChainTable(parts...)
	if err != nil {
		closeAll(parts)
		return nil, err
	}
	return chain, nil
}
