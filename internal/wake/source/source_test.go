package source

import (
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/wake/internal/wake/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readAll(t *testing.T, tbl Table) []types.Batch {
	t.Helper()
	var out []types.Batch
	for {
		b, err := tbl.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out = append(out, b)
	}
	require.NoError(t, tbl.Close())
	return out
}

func TestCSVTableWithHeader(t *testing.T) {
	path := writeFile(t, "orders.csv", "o_orderkey,o_custkey,o_totalprice\n1,10,5.5\n2,11,\n3,10,7\n")
	tbl, err := Open(TableInput{
		Name: "orders",
		Spec: map[string]any{
			"type":   "csv",
			"path":   path,
			"schema": map[string]any{"o_orderkey": "int", "o_custkey": "int", "o_totalprice": "float"},
		},
		Columns:   []string{"o_totalprice", "o_orderkey"},
		BatchSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"o_totalprice", "o_orderkey"}, tbl.Columns())

	batches := readAll(t, tbl)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"o_totalprice", "o_orderkey"}, batches[0].Columns)
	require.Len(t, batches[0].Rows, 2)
	assert.Equal(t, types.Tuple{"o_totalprice": 5.5, "o_orderkey": int64(1)}, batches[0].Rows[0])
	assert.Nil(t, batches[0].Rows[1]["o_totalprice"])
	require.Len(t, batches[1].Rows, 1)
	assert.Equal(t, 7.0, batches[1].Rows[0]["o_totalprice"])
}

func TestTblFilesWithoutHeader(t *testing.T) {
	p1 := writeFile(t, "customer.tbl.1", "1|Customer#1|AUTOMOBILE|\n2|Customer#2|BUILDING|\n")
	p2 := writeFile(t, "customer.tbl.2", "3|Customer#3|AUTOMOBILE|\n")
	tbl, err := Open(TableInput{
		Name: "customer",
		Spec: map[string]any{
			"type":   "tbl",
			"paths":  []any{p1, p2},
			"fields": []any{"c_custkey", "c_name", "c_mktsegment"},
			"schema": map[string]any{"c_custkey": "int"},
		},
		BatchSize: 10,
	})
	require.NoError(t, err)
	_, isChain := tbl.(*ChainTable)
	assert.True(t, isChain)

	batches := readAll(t, tbl)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Rows, 2)
	assert.Equal(t, int64(3), batches[1].Rows[0]["c_custkey"])
	assert.Equal(t, "AUTOMOBILE", batches[1].Rows[0]["c_mktsegment"])
	assert.Equal(t, []string{"c_custkey", "c_name", "c_mktsegment"}, batches[1].Columns)
}

func TestCSVMalformedRows(t *testing.T) {
	path := writeFile(t, "bad.csv", "a,b\n1,2\n3\n")
	tbl, err := NewCSVTable(path, CSVConfig{}, nil)
	require.NoError(t, err)
	_, err = tbl.Next()
	assert.ErrorIs(t, err, ErrMalformed)
	require.NoError(t, tbl.Close())

	path = writeFile(t, "bad_type.csv", "a\nx\n")
	tbl, err = NewCSVTable(path, CSVConfig{Schema: map[string]string{"a": "int"}}, nil)
	require.NoError(t, err)
	_, err = tbl.Next()
	assert.ErrorIs(t, err, ErrMalformed)
	require.NoError(t, tbl.Close())

	path = writeFile(t, "bad_date.csv", "d\n1994-13-01\n")
	tbl, err = NewCSVTable(path, CSVConfig{Schema: map[string]string{"d": "date"}}, nil)
	require.NoError(t, err)
	_, err = tbl.Next()
	assert.ErrorIs(t, err, ErrMalformed)
	require.NoError(t, tbl.Close())
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(TableInput{Name: "x", Spec: map[string]any{"type": "csv", "path": filepath.Join(t.TempDir(), "missing.csv")}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfig))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	path := writeFile(t, "a.csv", "a,b\n1,2\n")
	_, err = Open(TableInput{Name: "x", Spec: map[string]any{"type": "csv", "path": path}, Columns: []string{"c"}})
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, err = Open(TableInput{Name: "x", Spec: map[string]any{"type": "csv", "path": path, "schema": map[string]any{"a": "uuid"}}})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = Open(TableInput{Name: "x", Spec: map[string]any{"type": "kafka"}})
	assert.ErrorIs(t, err, ErrConfig)

	_, err = Open(TableInput{Name: "x", Spec: map[string]any{}})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestSQLTable(t *testing.T) {
	tbl, err := Open(TableInput{
		Name: "customer",
		Spec: map[string]any{
			"type": "sql",
			"sql": "INSERT INTO customer (c_custkey, c_name, c_acctbal) VALUES (1, 'alice', 10.5), (2, 'bob', -3);" +
				"INSERT INTO customer (c_custkey, c_name, c_acctbal) VALUES (3, 'carol', NULL)",
		},
		Columns:   []string{"c_name", "c_custkey", "c_acctbal"},
		BatchSize: 2,
	})
	require.NoError(t, err)
	batches := readAll(t, tbl)
	require.Len(t, batches, 2)
	assert.Equal(t, types.Tuple{"c_name": "alice", "c_custkey": int64(1), "c_acctbal": 10.5}, batches[0].Rows[0])
	assert.Equal(t, int64(-3), batches[0].Rows[1]["c_acctbal"])
	assert.Nil(t, batches[1].Rows[0]["c_acctbal"])

	_, err = NewSQLTable(SQLConfig{SQL: "DELETE FROM customer"}, nil)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewSQLTable(SQLConfig{Statements: []string{
		"INSERT INTO t (a) VALUES (1)",
		"INSERT INTO t (b) VALUES (1)",
	}}, nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestMemoryTable(t *testing.T) {
	tbl, err := Open(TableInput{
		Name: "m",
		Spec: map[string]any{
			"type":    "memory",
			"columns": []any{"k", "v"},
			"rows":    []any{map[string]any{"k": "a", "v": 1}, map[string]any{"k": "b"}},
		},
		Columns: []string{"v"},
	})
	require.NoError(t, err)
	batches := readAll(t, tbl)
	require.Len(t, batches, 1)
	assert.Equal(t, []types.Tuple{{"v": int64(1)}, {"v": nil}}, batches[0].Rows)
}

func TestSQLiteTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tpch.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE part (p_partkey INTEGER, p_brand TEXT, p_size INTEGER, p_retailprice REAL)`)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err = db.Exec(`INSERT INTO part VALUES (?, ?, ?, ?)`, i, "Brand#12", i*2, float64(i)+0.5)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	tbl, err := Open(TableInput{
		Name:      "part",
		Spec:      map[string]any{"type": "sqlite", "path": path},
		Columns:   []string{"p_brand", "p_partkey", "p_retailprice"},
		BatchSize: 2,
	})
	require.NoError(t, err)
	batches := readAll(t, tbl)
	require.Len(t, batches, 3)
	assert.Equal(t, types.Tuple{"p_brand": "Brand#12", "p_partkey": int64(1), "p_retailprice": 1.5}, batches[0].Rows[0])
	assert.Len(t, batches[2].Rows, 1)

	_, err = Open(TableInput{Name: "part", Spec: map[string]any{"type": "sqlite", "path": path}, Columns: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownColumn)

	_, err = Open(TableInput{Name: "part", Spec: map[string]any{"type": "sqlite", "path": filepath.Join(t.TempDir(), "missing.db")}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfig))
}

func TestParquetTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lineitem.parquet")
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "l_orderkey", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "l_extendedprice", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "l_shipdate", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := pqarrow.NewFileWriter(schema, f, parquet.NewWriterProperties(), pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	require.NoError(t, err)

	mem := memory.NewGoAllocator()
	keys := array.NewInt64Builder(mem)
	prices := array.NewFloat64Builder(mem)
	dates := array.NewStringBuilder(mem)
	for i := 0; i < 5; i++ {
		keys.Append(int64(i))
		prices.Append(float64(i) * 10)
		dates.Append("1994-01-0" + string(rune('1'+i)))
	}
	prices.AppendNull()
	keys.Append(5)
	dates.Append("1994-01-06")
	cols := []arrow.Array{keys.NewArray(), prices.NewArray(), dates.NewArray()}
	rec := array.NewRecord(schema, cols, 6)
	require.NoError(t, w.Write(rec))
	rec.Release()
	for _, c := range cols {
		c.Release()
	}
	require.NoError(t, w.Close())

	tbl, err := Open(TableInput{
		Name:      "lineitem",
		Spec:      map[string]any{"type": "parquet", "path": path},
		Columns:   []string{"l_shipdate", "l_extendedprice"},
		BatchSize: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"l_shipdate", "l_extendedprice"}, tbl.Columns())

	var all []types.Tuple
	for _, b := range readAll(t, tbl) {
		assert.Equal(t, []string{"l_shipdate", "l_extendedprice"}, b.Columns)
		all = append(all, b.Rows...)
	}
	require.Len(t, all, 6)
	assert.Equal(t, types.Tuple{"l_shipdate": "1994-01-03", "l_extendedprice": 20.0}, all[2])
	assert.Nil(t, all[5]["l_extendedprice"])
	_, hasKey := all[0]["l_orderkey"]
	assert.False(t, hasKey)

	_, err = Open(TableInput{Name: "lineitem", Spec: map[string]any{"type": "parquet", "path": path}, Columns: []string{"nope"}})
	assert.ErrorIs(t, err, ErrUnknownColumn)
}
