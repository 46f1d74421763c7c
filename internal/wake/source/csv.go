package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/ariyn/wake/internal/wake/types"
)

// CSVConfig describes a delimited text file. TPC-H .tbl files are read with
// Delimiter "|", Header false and the column names listed in Fields.
type CSVConfig struct {
	Path      string            `yaml:"path"`
	Paths     []string          `yaml:"paths"`
	Delimiter string            `yaml:"delimiter"`
	Header    *bool             `yaml:"header"`
	Fields    []string          `yaml:"fields"`
	Schema    map[string]string `yaml:"schema"` // column name -> int | float | string | date
	BatchSize int               `yaml:"batch_size"`
}

func (c CSVConfig) hasHeader() bool {
	return c.Header == nil || *c.Header
}

// CSVTable streams a single delimited file.
type CSVTable struct {
	path    string
	file    *os.File
	reader  *csv.Reader
	fields  []string
	columns []string
	idx     []int
	types   []string
	size    int
	done    bool
}

// NewCSVTable opens path, reads the header when there is one and resolves
// the projection.
func NewCSVTable(path string, cfg CSVConfig, columns []string) (*CSVTable, error) {
	if err := validateSchema(cfg.Schema); err != nil {
		return nil, fmt.Errorf("csv %s: %w", path, err)
	}
	comma := ','
	if cfg.Delimiter != "" {
		r, n := utf8.DecodeRuneInString(cfg.Delimiter)
		if n != len(cfg.Delimiter) {
			return nil, fmt.Errorf("csv %s: %w: delimiter must be a single character, got %q", path, ErrConfig, cfg.Delimiter)
		}
		comma = r
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}

	reader := csv.NewReader(file)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	fields := cfg.Fields
	if cfg.hasHeader() {
		headers, err := reader.Read()
		if err != nil {
			file.Close()
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("csv %s: missing header", path)
			}
			return nil, fmt.Errorf("failed to read headers of %s: %w", path, err)
		}
		if len(fields) == 0 {
			fields = trimTrailingEmpty(headers)
		}
	}
	if len(fields) == 0 {
		file.Close()
		return nil, fmt.Errorf("csv %s: %w: no header and no fields configured", path, ErrConfig)
	}

	cols, idx, err := projection(fields, columns)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("csv %s: %w", path, err)
	}
	colTypes := make([]string, len(cols))
	for i, c := range cols {
		colTypes[i] = cfg.Schema[c]
	}

	return &CSVTable{
		path:    path,
		file:    file,
		reader:  reader,
		fields:  fields,
		columns: cols,
		idx:     idx,
		types:   colTypes,
		size:    batchSize(cfg.BatchSize),
	}, nil
}

func (s *CSVTable) Columns() []string { return append([]string(nil), s.columns...) }

// Next reads up to the batch size. A record with the wrong number of fields
// or a value that does not parse as its schema type is an ErrMalformed
// error. A single trailing empty field (TPC-H style) is tolerated.
func (s *CSVTable) Next() (types.Batch, error) {
	if s.done {
		return types.Batch{}, io.EOF
	}

	batch := types.NewBatch(s.columns)
	batch.Rows = make([]types.Tuple, 0, s.size)
	for len(batch.Rows) < s.size {
		record, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			return types.Batch{}, fmt.Errorf("csv %s: %w: %v", s.path, ErrMalformed, err)
		}
		line, _ := s.reader.FieldPos(0)

		if len(record) == len(s.fields)+1 && record[len(record)-1] == "" {
			record = record[:len(s.fields)]
		}
		if len(record) != len(s.fields) {
			return types.Batch{}, fmt.Errorf("csv %s line %d: %w: expected %d fields, got %d",
				s.path, line, ErrMalformed, len(s.fields), len(record))
		}

		tuple := make(types.Tuple, len(s.columns))
		for i, col := range s.columns {
			raw := record[s.idx[i]]
			v, err := parseValue(raw, s.types[i])
			if err != nil {
				return types.Batch{}, fmt.Errorf("csv %s line %d: %w: column %q value %q: %v",
					s.path, line, ErrMalformed, col, raw, err)
			}
			tuple[col] = v
		}
		batch.Rows = append(batch.Rows, tuple)
	}

	if len(batch.Rows) == 0 && s.done {
		return types.Batch{}, io.EOF
	}
	return batch, nil
}

func (s *CSVTable) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.done = true
	return err
}

func trimTrailingEmpty(headers []string) []string {
	if n := len(headers); n > 0 && headers[n-1] == "" {
		return headers[:n-1]
	}
	return headers
}

// openCSV opens every configured path and chains them when there are several.
func openCSV(cfg CSVConfig, columns []string, size int) (Table, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = size
	}
	paths := cfg.Paths
	if cfg.Path != "" {
		paths = append([]string{cfg.Path}, paths...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("csv: %w: path or paths is required", ErrConfig)
	}
	if len(paths) == 1 {
		return NewCSVTable(paths[0], cfg, columns)
	}
	var parts []Table
	for _, p := range paths {
		t, err := NewCSVTable(p, cfg, columns)
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
