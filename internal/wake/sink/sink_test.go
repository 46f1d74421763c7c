package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet/file"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/wake/internal/wake/types"
)

func snapshot(processed int64, rows ...types.Tuple) types.Batch {
	return types.Batch{Columns: []string{"c_custkey", "o_totalprice_sum"}, Rows: rows, Processed: processed}
}

func TestConsoleSinkJSON(t *testing.T) {
	s, err := NewConsoleSink(nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	s.SetOutput(&buf)

	require.NoError(t, s.WriteBatch(snapshot(3, types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": 30.0})))
	require.NoError(t, s.WriteBatch(snapshot(3)))
	require.NoError(t, s.Close())

	dec := json.NewDecoder(&buf)
	var first, second consoleBatch
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, int64(1), first.Batch)
	assert.Equal(t, int64(3), first.Processed)
	require.Len(t, first.Rows, 1)
	assert.Equal(t, 30.0, first.Rows[0]["o_totalprice_sum"])
	assert.Equal(t, int64(2), second.Batch)
	assert.Empty(t, second.Rows)
}

func TestConsoleSinkText(t *testing.T) {
	s, err := NewConsoleSink(map[string]any{"format": "text"})
	require.NoError(t, err)
	var buf bytes.Buffer
	s.SetOutput(&buf)

	require.NoError(t, s.WriteBatch(snapshot(5, types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": nil})))
	assert.Equal(t, "-- batch 1 (processed 5, rows 1)\nc_custkey\to_totalprice_sum\n1\tNULL\n", buf.String())

	_, err = NewConsoleSink(map[string]any{"format": "xml"})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestFileSinkJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	s, err := NewFileSink(map[string]any{"path": path})
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(snapshot(2, types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": 10.5})))
	require.NoError(t, s.WriteBatch(snapshot(4,
		types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": 20.5},
		types.Tuple{"c_custkey": int64(2), "o_totalprice_sum": 1.0},
	)))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.WriteBatch(snapshot(5)), ErrClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 3)
	assert.Equal(t, 1.0, lines[0][BatchColumn])
	assert.Equal(t, 2.0, lines[0][ProcessedColumn])
	assert.Equal(t, 2.0, lines[2][BatchColumn])
	assert.Equal(t, 2.0, lines[2]["c_custkey"])
}

func TestFileSinkCSVAppendKeepsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	s, err := NewFileSink(map[string]any{"path": path, "format": "csv"})
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch(snapshot(1, types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": 10.0})))
	require.NoError(t, s.Close())

	s, err = NewFileSink(map[string]any{"path": path, "format": "csv"})
	require.NoError(t, err)
	reordered := types.Batch{
		Columns:   []string{"o_totalprice_sum", "c_custkey"},
		Rows:      []types.Tuple{{"c_custkey": int64(2), "o_totalprice_sum": nil}},
		Processed: 2,
	}
	require.NoError(t, s.WriteBatch(reordered))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"c_custkey", "o_totalprice_sum", BatchColumn, ProcessedColumn},
		{"1", "10", "1", "1"},
		{"2", "", "1", "2"},
	}, records)
}

func TestFileSinkConfigErrors(t *testing.T) {
	_, err := NewFileSink(map[string]any{})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewFileSink(map[string]any{"path": filepath.Join(t.TempDir(), "x"), "format": "xml"})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestParquetSinkRoundTrip(t *testing.T) {
	dir := t.TempDir() + string(os.PathSeparator)
	s, err := NewParquetSink(map[string]any{"path": dir, "compression": "snappy"})
	require.NoError(t, err)

	require.NoError(t, s.WriteBatch(snapshot(2,
		types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": 10.5},
		types.Tuple{"c_custkey": int64(2), "o_totalprice_sum": nil},
	)))
	require.NoError(t, s.WriteBatch(snapshot(4, types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": int64(40)})))
	require.NoError(t, s.Close())

	files := s.Files()
	require.Len(t, files, 1)

	rdr, err := file.OpenParquetFile(files[0], false)
	require.NoError(t, err)
	defer rdr.Close()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.NewGoAllocator())
	require.NoError(t, err)
	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	defer tbl.Release()

	assert.Equal(t, int64(3), tbl.NumRows())
	schema := tbl.Schema()
	require.Equal(t, 4, schema.NumFields())
	assert.Equal(t, "c_custkey", schema.Field(0).Name)
	assert.Equal(t, "int64", schema.Field(0).Type.Name())
	assert.Equal(t, "double", schema.Field(1).Type.Name())
	assert.Equal(t, BatchColumn, schema.Field(2).Name)
	assert.Equal(t, ProcessedColumn, schema.Field(3).Name)
}

func TestParquetSinkRejectsMismatchedBatches(t *testing.T) {
	s, err := NewParquetSink(map[string]any{"path": filepath.Join(t.TempDir(), "out.parquet")})
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch(snapshot(1, types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": int64(10)})))

	err = s.WriteBatch(snapshot(2, types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": 10.5}))
	assert.ErrorContains(t, err, "does not fit int64")

	err = s.WriteBatch(types.Batch{Columns: []string{"other"}, Rows: []types.Tuple{{"other": 1}}})
	assert.ErrorContains(t, err, "do not match schema")
	require.NoError(t, s.Close())

	_, err = NewParquetSink(map[string]any{"path": "x", "compression": "lzma"})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewParquetSink(map[string]any{"path": "x", "schema": map[string]any{"a": "decimal"}})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestParquetSinkRotatesByBatches(t *testing.T) {
	s, err := NewParquetSink(map[string]any{"path": t.TempDir(), "rotate_every_batches": 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WriteBatch(snapshot(int64(i+1), types.Tuple{"c_custkey": int64(i), "o_totalprice_sum": 1.0})))
	}
	require.NoError(t, s.Close())
	assert.Len(t, s.Files(), 3)
	for _, f := range s.Files() {
		_, err := os.Stat(f)
		assert.NoError(t, err)
	}
}

type recordingSink struct {
	mu        sync.Mutex
	batches   []types.Batch
	writeCh   chan struct{}
	closeCall int
	fail      error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{writeCh: make(chan struct{}, 100)}
}

func (r *recordingSink) WriteBatch(b types.Batch) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	r.batches = append(r.batches, b.Clone())
	r.mu.Unlock()
	r.writeCh <- struct{}{}
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	r.closeCall++
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) rowCounts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, len(b.Rows))
	}
	return out
}

func row(id int) types.Batch {
	return types.Batch{Columns: []string{"id"}, Rows: []types.Tuple{{"id": id}}}
}

func TestBatchSinkFlushOnMaxSize(t *testing.T) {
	inner := newRecordingSink()
	s := NewBatchSink(inner, BatchConfig{MaxBatchSize: 3})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.WriteBatch(row(i)))
	}
	require.NoError(t, s.Close())
	assert.Equal(t, []int{3, 2}, inner.rowCounts())
	assert.Equal(t, 1, inner.closeCall)
}

func TestBatchSinkFlushOnDelay(t *testing.T) {
	inner := newRecordingSink()
	s := NewBatchSink(inner, BatchConfig{MaxBatchSize: 100, MaxBatchDelayMS: 40})

	require.NoError(t, s.WriteBatch(row(1)))
	select {
	case <-inner.writeCh:
	case <-time.After(time.Second):
		t.Fatal("expected delayed flush")
	}
	assert.Equal(t, []int{1}, inner.rowCounts())
	require.NoError(t, s.Close())
}

func TestBatchSinkLatestKeepsNewestSnapshot(t *testing.T) {
	inner := newRecordingSink()
	s := NewBatchSink(inner, BatchConfig{MaxBatches: 3, Mode: "latest"})

	for i := 1; i <= 4; i++ {
		require.NoError(t, s.WriteBatch(snapshot(int64(i*10), types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": float64(i)})))
	}
	require.NoError(t, s.Close())

	require.Len(t, inner.batches, 2)
	assert.Equal(t, int64(30), inner.batches[0].Processed)
	assert.Equal(t, 3.0, inner.batches[0].Rows[0]["o_totalprice_sum"])
	assert.Equal(t, int64(40), inner.batches[1].Processed)
}

func TestBatchSinkSchemaChangeFlushes(t *testing.T) {
	inner := newRecordingSink()
	s := NewBatchSink(inner, BatchConfig{MaxBatchSize: 10})

	require.NoError(t, s.WriteBatch(row(1)))
	require.NoError(t, s.WriteBatch(snapshot(1, types.Tuple{"c_custkey": int64(1)})))
	require.NoError(t, s.Close())
	require.Len(t, inner.batches, 2)
	assert.Equal(t, []string{"id"}, inner.batches[0].Columns)
	assert.Equal(t, []string{"c_custkey", "o_totalprice_sum"}, inner.batches[1].Columns)
}

func TestBatchSinkKeepsInnerError(t *testing.T) {
	inner := newRecordingSink()
	inner.fail = errors.New("disk full")
	s := NewBatchSink(inner, BatchConfig{MaxBatchSize: 1})

	assert.ErrorContains(t, s.WriteBatch(row(1)), "disk full")
	assert.ErrorContains(t, s.WriteBatch(row(2)), "disk full")
	assert.ErrorContains(t, s.Close(), "disk full")
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)
	_, ok := s.(*ConsoleSink)
	assert.True(t, ok)

	s, err = Open(Config{Type: "file", Options: map[string]any{
		"path":  filepath.Join(t.TempDir(), "out.jsonl"),
		"batch": map[string]any{"max_batches": 2, "mode": "latest"},
	}})
	require.NoError(t, err)
	_, ok = s.(*BatchSink)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	_, err = Open(Config{Type: "kafka"})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = Open(Config{Type: "console", Options: map[string]any{"batch": map[string]any{"max_batches": 1, "mode": "random"}}})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestForQueryExpandsPath(t *testing.T) {
	cfg := Config{Type: "file", Options: map[string]any{"path": "/tmp/out-{query}.jsonl", "format": "json"}}
	got := ForQuery(cfg, "tpch_a")
	assert.Equal(t, "/tmp/out-tpch_a.jsonl", got.Options["path"])
	assert.Equal(t, "json", got.Options["format"])
	assert.Equal(t, "/tmp/out-{query}.jsonl", cfg.Options["path"])
	assert.False(t, SharesPath(cfg))

	fixed := Config{Type: "file", Options: map[string]any{"path": "/tmp/out.jsonl"}}
	assert.Equal(t, fixed, ForQuery(fixed, "tpch_a"))
	assert.True(t, SharesPath(fixed))
	assert.False(t, SharesPath(Config{}))
}

func TestFileSinkJSONConcurrentWritersAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	a, err := NewFileSink(map[string]any{"path": path})
	require.NoError(t, err)
	b, err := NewFileSink(map[string]any{"path": path})
	require.NoError(t, err)

	require.NoError(t, a.WriteBatch(snapshot(1, types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": 1.0})))
	require.NoError(t, b.WriteBatch(snapshot(1, types.Tuple{"c_custkey": int64(2), "o_totalprice_sum": 2.0})))
	require.NoError(t, a.WriteBatch(snapshot(2, types.Tuple{"c_custkey": int64(1), "o_totalprice_sum": 3.0})))
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 3)
	var keys []float64
	for _, l := range lines {
		var m map[string]any
		require.NoError(t, json.Unmarshal(l, &m))
		keys = append(keys, m["c_custkey"].(float64))
	}
	assert.Equal(t, []float64{1, 2, 1}, keys)
}
