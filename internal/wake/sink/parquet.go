package sink

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/compress"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"

	"github.com/ariyn/wake/internal/wake/types"
)

// ParquetConfig configures a ParquetSink.
type ParquetConfig struct {
	// Path is a file name prefix, or a directory when it ends with a
	// separator or already exists as one.
	Path         string `yaml:"path"`
	Compression  string `yaml:"compression"` // zstd (default) | snappy | gzip | none
	RowGroupSize int    `yaml:"row_group_size"`
	// RotateEvery closes the current file and starts a new one after the
	// given duration (e.g. "30s").
	RotateEvery        string `yaml:"rotate_every"`
	RotateEveryBatches int    `yaml:"rotate_every_batches"`
	// Schema overrides the inferred type of a column: int64, float64,
	// string or bool.
	Schema map[string]string `yaml:"schema"`
}

type parquetColumn struct {
	Name string
	Type string
}

// ParquetSink writes rows into parquet files. The arrow schema is inferred
// from the first non-empty batch; later batches must keep the same columns.
type ParquetSink struct {
	cfg         ParquetConfig
	columns     []parquetColumn
	arrowSchema *arrow.Schema
	mem         memory.Allocator

	file   *os.File
	writer *pqarrow.FileWriter
	// builders are aligned with columns.
	builders []array.Builder
	bufRows  int

	openedAt      time.Time
	rotateEvery   time.Duration
	batchesInFile int
	fileSeq       int
	files         []string
	seq           int64
	closed        bool

	mu sync.Mutex
}

func NewParquetSink(config map[string]any) (*ParquetSink, error) {
	var cfg ParquetConfig
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w: parquet sink path is required", ErrConfig)
	}
	if _, err := parseCompression(cfg.Compression); err != nil {
		return nil, err
	}
	for col, typ := range cfg.Schema {
		switch typ {
		case "int64", "float64", "string", "bool":
		default:
			return nil, fmt.Errorf("%w: column %q: unsupported parquet type %q", ErrConfig, col, typ)
		}
	}
	var rotateEvery time.Duration
	if s := strings.TrimSpace(cfg.RotateEvery); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid rotate_every %q: %v", ErrConfig, s, err)
		}
		rotateEvery = d
	}
	if cfg.RowGroupSize <= 0 {
		cfg.RowGroupSize = 65536
	}
	return &ParquetSink{
		cfg:         cfg,
		mem:         memory.NewGoAllocator(),
		rotateEvery: rotateEvery,
	}, nil
}

// Files lists the parquet files opened so far, in order.
func (s *ParquetSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

func (s *ParquetSink) WriteBatch(batch types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.seq++
	if len(batch.Rows) == 0 {
		return nil
	}

	if s.arrowSchema == nil {
		s.inferSchemaLocked(batch)
	} else if err := s.checkColumnsLocked(batch.Columns); err != nil {
		return err
	}

	now := time.Now()
	if s.writer != nil {
		if s.cfg.RotateEveryBatches > 0 && s.batchesInFile >= s.cfg.RotateEveryBatches {
			if err := s.rotateLocked(); err != nil {
				return err
			}
		} else if s.rotateEvery > 0 && now.Sub(s.openedAt) >= s.rotateEvery {
			if err := s.rotateLocked(); err != nil {
				return err
			}
		}
	}
	if s.writer == nil {
		if err := s.openNewFileLocked(now); err != nil {
			return err
		}
	}
	s.batchesInFile++

	for _, row := range batch.Rows {
		if err := s.appendRowLocked(row, batch.Processed); err != nil {
			return err
		}
		if s.bufRows >= s.cfg.RowGroupSize {
			if err := s.flushLocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ParquetSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.flushLocked(); err != nil {
		_ = s.closeCurrentLocked()
		return err
	}
	return s.closeCurrentLocked()
}

// inferSchemaLocked picks a type per column from the first non-nil value in
// batch. Integers become int64 unless a float shows up in the same column.
func (s *ParquetSink) inferSchemaLocked(batch types.Batch) {
	cols := make([]parquetColumn, 0, len(batch.Columns)+2)
	for _, name := range batch.Columns {
		typ, ok := s.cfg.Schema[name]
		if !ok {
			typ = inferType(batch, name)
		}
		cols = append(cols, parquetColumn{Name: name, Type: typ})
	}
	cols = append(cols,
		parquetColumn{Name: BatchColumn, Type: "int64"},
		parquetColumn{Name: ProcessedColumn, Type: "int64"},
	)

	fields := make([]arrow.Field, 0, len(cols))
	for _, c := range cols {
		fields = append(fields, arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: true})
	}
	s.columns = cols
	s.arrowSchema = arrow.NewSchema(fields, nil)
}

func inferType(batch types.Batch, name string) string {
	typ := ""
	for _, row := range batch.Rows {
		switch row[name].(type) {
		case nil:
			continue
		case float64, float32:
			return "float64"
		case int, int32, int64, uint64:
			typ = "int64"
		case bool:
			if typ == "" {
				typ = "bool"
			}
		default:
			return "string"
		}
	}
	if typ == "" {
		return "string"
	}
	return typ
}

func arrowType(typ string) arrow.DataType {
	switch typ {
	case "int64":
		return arrow.PrimitiveTypes.Int64
	case "float64":
		return arrow.PrimitiveTypes.Float64
	case "bool":
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

func (s *ParquetSink) checkColumnsLocked(columns []string) error {
	if len(columns)+2 != len(s.columns) {
		return fmt.Errorf("parquet sink: columns %v do not match schema %v", columns, s.arrowSchema)
	}
	for i, c := range columns {
		if s.columns[i].Name != c {
			return fmt.Errorf("parquet sink: columns %v do not match schema %v", columns, s.arrowSchema)
		}
	}
	return nil
}

func (s *ParquetSink) initBuildersLocked() {
	if s.builders != nil {
		return
	}
	s.builders = make([]array.Builder, 0, len(s.columns))
	for _, c := range s.columns {
		s.builders = append(s.builders, array.NewBuilder(s.mem, arrowType(c.Type)))
	}
}

// appendRowLocked converts the whole row before touching the builders so a
// rejected row leaves them aligned.
func (s *ParquetSink) appendRowLocked(row types.Tuple, processed int64) error {
	vals := make([]any, len(s.columns))
	for i, col := range s.columns {
		var v any
		switch col.Name {
		case BatchColumn:
			v = s.seq
		case ProcessedColumn:
			v = processed
		default:
			v = row[col.Name]
		}
		if v == nil {
			continue
		}
		cv, err := convertParquetValue(col, v)
		if err != nil {
			return err
		}
		vals[i] = cv
	}

	s.initBuildersLocked()
	for i, v := range vals {
		if v == nil {
			s.builders[i].AppendNull()
			continue
		}
		switch b := s.builders[i].(type) {
		case *array.Int64Builder:
			b.Append(v.(int64))
		case *array.Float64Builder:
			b.Append(v.(float64))
		case *array.BooleanBuilder:
			b.Append(v.(bool))
		case *array.StringBuilder:
			b.Append(v.(string))
		}
	}
	s.bufRows++
	return nil
}

func convertParquetValue(col parquetColumn, v any) (any, error) {
	switch col.Type {
	case "int64":
		f, ok := types.ToFloat64(v)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("parquet sink: column %q: value %v does not fit int64", col.Name, v)
		}
		iv, _ := types.ToInt64(v)
		return iv, nil
	case "float64":
		f, ok := types.ToFloat64(v)
		if !ok {
			return nil, fmt.Errorf("parquet sink: column %q: value %v is not a number", col.Name, v)
		}
		return f, nil
	case "bool":
		bv, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("parquet sink: column %q: value %v is not a bool", col.Name, v)
		}
		return bv, nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func (s *ParquetSink) flushLocked() error {
	if s.bufRows == 0 {
		return nil
	}
	if s.writer == nil {
		return fmt.Errorf("parquet writer is nil")
	}

	cols := make([]arrow.Array, 0, len(s.builders))
	for _, b := range s.builders {
		cols = append(cols, b.NewArray())
	}
	rec := array.NewRecord(s.arrowSchema, cols, int64(s.bufRows))
	defer rec.Release()
	for _, a := range cols {
		a.Release()
	}

	if err := s.writer.Write(rec); err != nil {
		return err
	}

	for _, b := range s.builders {
		b.Release()
	}
	s.builders = nil
	s.bufRows = 0
	return nil
}

func (s *ParquetSink) rotateLocked() error {
	if err := s.flushLocked(); err != nil {
		return err
	}
	if err := s.closeCurrentLocked(); err != nil {
		return err
	}
	s.batchesInFile = 0
	return nil
}

func (s *ParquetSink) closeCurrentLocked() error {
	var firstErr error
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			firstErr = err
		}
		s.writer = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			if firstErr == nil {
				firstErr = err
			}
		}
		s.file = nil
	}
	return firstErr
}

func (s *ParquetSink) openNewFileLocked(now time.Time) error {
	outPath := s.nextFilePath(now)
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("mkdir parquet dir: %w", err)
	}
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open parquet file %s: %w", outPath, err)
	}

	codec, _ := parseCompression(s.cfg.Compression)
	props := parquet.NewWriterProperties(parquet.WithCompression(codec))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	w, err := pqarrow.NewFileWriter(s.arrowSchema, f, props, arrowProps)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}

	s.file = f
	s.writer = w
	s.openedAt = now
	s.fileSeq++
	s.files = append(s.files, outPath)
	return nil
}

func (s *ParquetSink) nextFilePath(now time.Time) string {
	path := strings.TrimSpace(s.cfg.Path)
	stamp := now.UTC().Format("20060102T150405Z")

	if strings.HasSuffix(path, string(os.PathSeparator)) {
		return filepath.Join(filepath.Clean(path), fmt.Sprintf("out-%s-%06d.parquet", stamp, s.fileSeq))
	}
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return filepath.Join(path, fmt.Sprintf("out-%s-%06d.parquet", stamp, s.fileSeq))
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(base), ".parquet") {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if base == "" || base == "." {
		base = "out"
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%06d.parquet", base, stamp, s.fileSeq))
}

func parseCompression(s string) (compress.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd":
		return compress.Codecs.Zstd, nil
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "uncompressed", "none":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("%w: unsupported compression %q", ErrConfig, s)
	}
}
