// Package wake is the embedding entry point: it builds the queries of a run
// configuration and streams their progressive answers to sinks.
package wake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ariyn/wake/internal/logger"
	"github.com/ariyn/wake/internal/wake/forecast"
	"github.com/ariyn/wake/internal/wake/graph"
	"github.com/ariyn/wake/internal/wake/metrics"
	"github.com/ariyn/wake/internal/wake/query"
	"github.com/ariyn/wake/internal/wake/sink"
	"github.com/ariyn/wake/internal/wake/types"
)

// ErrUnknownQuery 는 설정에도 내장 TPC-H 세트에도 없는 쿼리 이름이다.
var ErrUnknownQuery = errors.New("unknown query")

// Engine 은 하나의 실행 설정을 들고 쿼리 그래프를 만들고 실행한다.
type Engine struct {
	cfg     *query.Config
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics 는 모든 실행을 m 에 기록한다.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine 는 새로운 엔진 인스턴스를 생성한다.
func NewEngine(cfg *query.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = &query.Config{}
	}
	e := &Engine{cfg: cfg, log: logger.New("engine")}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Names returns the configured query names in declaration order.
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.cfg.Queries))
	for _, q := range e.cfg.Queries {
		names = append(names, q.Name)
	}
	return names
}

// QueryHandle 은 한 번 실행할 수 있는 준비된 쿼리 그래프 핸들이다.
type QueryHandle struct {
	q       *query.Query
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Prepare 는 이름으로 쿼리를 찾아 그래프를 만든다. 설정에 없는 이름은 내장
// TPC-H 쿼리(a, b, d)로 해석하며, 이때 테이블은 run.tpch_dir 에서 읽는다.
func (e *Engine) Prepare(name string) (*QueryHandle, error) {
	tables := e.cfg.Tables
	qc, ok := e.cfg.Query(name)
	if !ok {
		builtin, err := query.TPCHQuery(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownQuery, name)
		}
		qc = builtin
		tables = e.tpchTables()
	}

	q, err := query.Build(qc, tables, query.Options{BatchSize: e.cfg.Run.BatchSize})
	if err != nil {
		return nil, err
	}
	return &QueryHandle{
		q:       q,
		metrics: e.metrics,
		log:     e.log.With().Str("query", q.Name).Logger(),
	}, nil
}

// tpchTables lays the configured tables over the tbl files in run.tpch_dir.
func (e *Engine) tpchTables() map[string]map[string]any {
	if e.cfg.Run.TPCHDir == "" {
		return e.cfg.Tables
	}
	tables := query.TPCHTables(e.cfg.Run.TPCHDir)
	for name, spec := range e.cfg.Tables {
		tables[name] = spec
	}
	return tables
}

// Name returns the query name.
func (h *QueryHandle) Name() string { return h.q.Name }

// Columns returns the output columns of the query.
func (h *QueryHandle) Columns() []string { return append([]string(nil), h.q.Columns...) }

// Tracker returns the forecast tracker, nil when the query declares none.
func (h *QueryHandle) Tracker() *forecast.Tracker { return h.q.Tracker }

// Close releases the tables of a handle that is never run.
func (h *QueryHandle) Close() error { return h.q.Close() }

// Result summarizes one finished run.
type Result struct {
	Query    string
	RunID    string
	Batches  int
	Duration time.Duration
	Stats    []graph.NodeStats
	// Evaluations scores every forecast against the final answer; empty
	// without a forecast.
	Evaluations []forecast.Evaluation
}

// Run 은 그래프를 끝까지 실행하면서 출력 스트림의 각 배치를 out 에 쓴다.
// out 이 nil 이면 배치는 버려진다. sink 에러는 실행을 취소한다.
func (h *QueryHandle) Run(ctx context.Context, out sink.Sink) (Result, error) {
	runID := uuid.NewString()
	opts := []graph.Option{
		graph.WithRunID(runID),
		graph.WithLogger(logger.New("scheduler").With().Str("query", h.q.Name).Logger()),
	}
	if h.metrics != nil {
		opts = append(opts, graph.WithObserver(h.metrics.Observer(h.q.Name)))
	}

	res := Result{Query: h.q.Name, RunID: runID}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.q.Run(gctx, opts...)
	})
	g.Go(func() error {
		for {
			b, err := h.q.Reader.Read()
			if err != nil {
				// the run goroutine reports run failures
				return nil
			}
			res.Batches++
			if out == nil {
				continue
			}
			if err := out.WriteBatch(b); err != nil {
				return fmt.Errorf("query %s: write batch %d: %w", h.q.Name, res.Batches, err)
			}
		}
	})
	err := g.Wait()

	res.Duration = time.Since(start)
	res.Stats = h.q.Stats()
	if h.q.Tracker != nil {
		res.Evaluations = h.q.Tracker.Evaluate()
	}
	h.log.Debug().Str("run_id", runID).Int("batches", res.Batches).Dur("duration", res.Duration).Err(err).Msg("query finished")
	return res, err
}

// SinkFactory opens the sink for one query.
type SinkFactory func(query string) (sink.Sink, error)

// ConfiguredSink 는 설정의 sink 섹션을 쿼리마다 연다. path 의 {query} 는
// 쿼리 이름으로 바뀐다.
func (e *Engine) ConfiguredSink(name string) (sink.Sink, error) {
	return sink.Open(sink.ForQuery(e.cfg.Sink, name))
}

// RunAll 은 여러 쿼리를 동시에 실행한다. run.parallelism 이 양수이면 동시
// 실행 수를 제한한다. 첫 번째 에러가 나머지 실행을 취소한다.
func (e *Engine) RunAll(ctx context.Context, names []string, open SinkFactory) ([]Result, error) {
	results := make([]Result, len(names))
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Run.Parallelism > 0 {
		g.SetLimit(e.cfg.Run.Parallelism)
	}
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			res, err := e.runOne(gctx, name, open)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

func (e *Engine) runOne(ctx context.Context, name string, open SinkFactory) (res Result, err error) {
	h, err := e.Prepare(name)
	if err != nil {
		return Result{Query: name}, err
	}
	var out sink.Sink
	if open != nil {
		out, err = open(name)
		if err != nil {
			_ = h.Close()
			return Result{Query: name}, fmt.Errorf("query %s: open sink: %w", name, err)
		}
		defer func() {
			if cerr := out.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("query %s: close sink: %w", name, cerr)
			}
		}()
	}
	return h.Run(ctx, out)
}

// Collect runs the handle and returns the rows of the last delivered batch.
func Collect(ctx context.Context, h *QueryHandle) ([]map[string]any, error) {
	c := &collector{}
	if _, err := h.Run(ctx, c); err != nil {
		return nil, err
	}
	return c.rows, nil
}

// collector keeps the rows of the latest batch; snapshot streams make it
// the final answer.
type collector struct {
	rows []map[string]any
}

func (c *collector) WriteBatch(b types.Batch) error {
	c.rows = c.rows[:0]
	for _, t := range b.Rows {
		c.rows = append(c.rows, map[string]any(t))
	}
	return nil
}

func (c *collector) Close() error { return nil }

var _ sink.Sink = (*collector)(nil)
