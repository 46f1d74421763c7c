package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/wake/internal/wake/metrics"
)

const pipelineConfig = `
run:
  batch_size: 10
tables:
  orders:
    type: csv
    path: %s
    schema:
      region: string
      amount: int
queries:
  - name: total
    nodes:
      - name: orders
        kind: source
        columns: [amount]
      - name: sum
        kind: aggregate
        inputs: [orders]
        aggregates:
          - column: amount
            func: sum
    forecast:
      column: amount_sum
      estimator: ratio
  - name: regions
    nodes:
      - name: orders
        kind: source
      - name: count
        kind: aggregate
        inputs: [orders]
        group_key: [region]
        aggregates:
          - column: amount
            func: count
sink:
  type: file
  config:
    path: %s
    format: json
`

func writePipeline(t *testing.T) (cfgPath, outPath string) {
	t.Helper()
	return writePipelineTo(t, "out.jsonl")
}

func writePipelineTo(t *testing.T, outName string) (cfgPath, outPath string) {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "orders.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("region,amount\nSeoul,100\nBusan,200\nSeoul,50\n"), 0o644))
	outPath = filepath.Join(dir, outName)
	cfgPath = filepath.Join(dir, "run.yaml")
	content := fmt.Sprintf(pipelineConfig, csvPath, outPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath, outPath
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		out = append(out, row)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRunStreamsSnapshotsToFileSink(t *testing.T) {
	cfgPath, outPath := writePipeline(t)
	m := metrics.New(prometheus.NewRegistry())

	var stdout bytes.Buffer
	code := run(context.Background(), []string{"--config", cfgPath, "--query", "total", "--batch-size", "1"}, &stdout, m)
	require.Equal(t, 0, code)

	rows := readLines(t, outPath)
	require.Len(t, rows, 3)
	assert.Equal(t, 100.0, rows[0]["amount_sum"])
	assert.Equal(t, 300.0, rows[1]["amount_sum"])
	assert.Equal(t, 350.0, rows[2]["amount_sum"])
	assert.Equal(t, 3.0, rows[2]["__batch"])
	assert.Equal(t, 3.0, rows[2]["__processed"])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("total", "ok")))
}

func TestRunUsesConfiguredBatchSize(t *testing.T) {
	cfgPath, outPath := writePipeline(t)

	code := run(context.Background(), []string{"--config", cfgPath, "--query", "total"}, &bytes.Buffer{}, metrics.New(prometheus.NewRegistry()))
	require.Equal(t, 0, code)

	rows := readLines(t, outPath)
	require.Len(t, rows, 1)
	assert.Equal(t, 350.0, rows[0]["amount_sum"])
}

func TestRunAllWritesOneFilePerQuery(t *testing.T) {
	cfgPath, outPath := writePipelineTo(t, "out-{query}.jsonl")
	m := metrics.New(prometheus.NewRegistry())

	// total is selected twice but runs once
	code := run(context.Background(), []string{"--config", cfgPath, "--all", "--query", "total"}, &bytes.Buffer{}, m)
	require.Equal(t, 0, code)

	total := readLines(t, strings.ReplaceAll(outPath, "{query}", "total"))
	require.Len(t, total, 1)
	assert.Equal(t, 350.0, total[0]["amount_sum"])
	assert.NotContains(t, total[0], "region")

	regions := readLines(t, strings.ReplaceAll(outPath, "{query}", "regions"))
	require.Len(t, regions, 2)
	assert.Equal(t, "Seoul", regions[0]["region"])
	assert.Equal(t, 2.0, regions[0]["amount_count"])
	assert.Equal(t, "Busan", regions[1]["region"])
	assert.Equal(t, 1.0, regions[1]["amount_count"])

	_, err := os.Stat(outPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("total", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("regions", "ok")))
}

func TestUniqueNames(t *testing.T) {
	assert.Equal(t, []string{"total", "regions", "a"}, uniqueNames([]string{"total", "regions", "total", "a", "regions"}))
	assert.Empty(t, uniqueNames(nil))
}

func TestRunSelection(t *testing.T) {
	cfgPath, _ := writePipeline(t)
	m := metrics.New(prometheus.NewRegistry())

	// two queries configured and none selected
	assert.Equal(t, 1, run(context.Background(), []string{"--config", cfgPath}, &bytes.Buffer{}, m))
	assert.Equal(t, 1, run(context.Background(), []string{"--config", cfgPath, "--query", "nope"}, &bytes.Buffer{}, m))
	assert.Equal(t, 1, run(context.Background(), []string{"--config", filepath.Join(t.TempDir(), "run.toml")}, &bytes.Buffer{}, m))
	assert.Equal(t, 2, run(context.Background(), []string{"--no-such-flag"}, &bytes.Buffer{}, m))
}

func TestRunVersion(t *testing.T) {
	var stdout bytes.Buffer
	code := run(context.Background(), []string{"--version"}, &stdout, metrics.New(prometheus.NewRegistry()))
	assert.Equal(t, 0, code)
	assert.Equal(t, "unknown\n", stdout.String())
}
