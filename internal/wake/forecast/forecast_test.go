package forecast

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/wake/internal/wake/graph"
	"github.com/ariyn/wake/internal/wake/op"
	"github.com/ariyn/wake/internal/wake/source"
	"github.com/ariyn/wake/internal/wake/types"
)

func feed(e Estimator, obs ...Observation) Forecast {
	for _, o := range obs {
		e.Consume(o)
	}
	return e.Produce()
}

func TestLastValue(t *testing.T) {
	f := feed(NewLastValue(), Observation{10, 3}, Observation{20, 4})
	assert.Equal(t, 4.0, f.Predict(1000))
	assert.Equal(t, 0.0, NewLastValue().Produce().Predict(5))
}

func TestLinear(t *testing.T) {
	f := feed(NewLinear(0), Observation{1, 3}, Observation{2, 5}, Observation{3, 7})
	assert.InDelta(t, 21.0, f.Predict(10), 1e-9)

	f = feed(NewLinear(0), Observation{5, 8})
	assert.Equal(t, 8.0, f.Predict(100))

	windowed := feed(NewLinear(2), Observation{1, 100}, Observation{2, 2}, Observation{3, 3})
	assert.InDelta(t, 10.0, windowed.Predict(10), 1e-9)
}

func TestRatio(t *testing.T) {
	f := feed(NewRatio(), Observation{10, 30}, Observation{20, 50})
	assert.InDelta(t, 250.0, f.Predict(100), 1e-9)
	assert.Equal(t, 0.0, NewRatio().Produce().Predict(100))
}

func TestPercentError(t *testing.T) {
	assert.Equal(t, 10.0, PercentError(100, 90))
	assert.Equal(t, 10.0, PercentError(-100, -110))
	assert.Equal(t, 0.0, PercentError(0, 0))
	assert.True(t, math.IsInf(PercentError(0, 1), 1))
}

func TestSelectorPrefersAccurateCandidate(t *testing.T) {
	s := NewSelectorWithDefaultCandidates()
	// a sum growing 5 per row: ratio is exact from the first point
	for rows := 10.0; rows <= 50; rows += 10 {
		s.Consume(Observation{Rows: rows, Value: 5 * rows})
	}
	f := s.Produce()
	assert.InDelta(t, 500.0, f.Predict(100), 1e-6)
	assert.Contains(t, f.String(), "via ratio")

	// a converged average: last-value wins over ratio
	s = NewSelectorWithDefaultCandidates()
	for rows := 10.0; rows <= 50; rows += 10 {
		s.Consume(Observation{Rows: rows, Value: 42})
	}
	f = s.Produce()
	assert.Equal(t, 42.0, f.Predict(1000))
	assert.NotContains(t, f.String(), "via ratio")
}

type pickLast struct{}

func (pickLast) Select(c []*Candidate) int { return len(c) - 1 }

func TestSelectorCustomStrategy(t *testing.T) {
	s := NewSelector(pickLast{}, NewRatio(), NewLastValue())
	s.Consume(Observation{Rows: 10, Value: 10})
	s.Consume(Observation{Rows: 20, Value: 20})
	assert.Equal(t, 20.0, s.Produce().Predict(100))

	c := s.Candidates()
	require.Len(t, c, 2)
	require.Len(t, c[0].Errors, 1)
	assert.Equal(t, 0.0, c[0].Errors[0])
	assert.Equal(t, 50.0, c[1].Errors[0])
}

func TestLowestRecentErrorWindow(t *testing.T) {
	c := []*Candidate{
		{Errors: []float64{100, 100, 1}},
		{Errors: []float64{0, 0, 2}},
	}
	assert.Equal(t, 0, LowestRecentError{Window: 1}.Select(c))
	assert.Equal(t, 1, LowestRecentError{}.Select(c))
	assert.Equal(t, 0, LowestRecentError{}.Select([]*Candidate{{}, {}}))
}

func snapshotBatch(processed int64, rows ...types.Tuple) types.Batch {
	return types.Batch{Columns: []string{"segment", "total"}, Rows: rows, Processed: processed}
}

func TestTrackerObserve(t *testing.T) {
	tr, err := NewTracker(TrackerConfig{Column: "total", Group: map[string]any{"segment": "BUILDING"}, Estimator: "ratio"})
	require.NoError(t, err)

	require.NoError(t, tr.Observe(snapshotBatch(10,
		types.Tuple{"segment": "AUTOMOBILE", "total": int64(1)},
		types.Tuple{"segment": "BUILDING", "total": int64(20)},
	)))
	require.NoError(t, tr.Observe(snapshotBatch(20, types.Tuple{"segment": "BUILDING", "total": 40.0})))
	assert.ErrorContains(t, tr.Observe(snapshotBatch(30, types.Tuple{"segment": "AUTOMOBILE", "total": 1.0})), "no row matches")
	assert.ErrorContains(t, tr.Observe(types.Batch{Columns: []string{"segment"}, Processed: 40}), "no column")
	assert.ErrorContains(t, tr.Observe(snapshotBatch(40, types.Tuple{"segment": "BUILDING", "total": "x"})), "not numeric")

	steps := tr.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, Observation{Rows: 20, Value: 40}, steps[1].Observation)

	v, model, ok := tr.Predict(100)
	require.True(t, ok)
	assert.InDelta(t, 200.0, v, 1e-9)
	assert.Contains(t, model, "ratio")
	assert.Equal(t, 20.0, tr.Target())
}

func TestTrackerReplacesNonIncreasingObservation(t *testing.T) {
	tr, err := NewTracker(TrackerConfig{Column: "total", Estimator: "last"})
	require.NoError(t, err)
	require.NoError(t, tr.Observe(snapshotBatch(10, types.Tuple{"total": int64(1)})))
	require.NoError(t, tr.Observe(snapshotBatch(20, types.Tuple{"total": int64(2)})))
	require.NoError(t, tr.Observe(snapshotBatch(20, types.Tuple{"total": int64(3)})))

	steps := tr.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, 3.0, steps[1].Value)
}

func TestTrackerConfigErrors(t *testing.T) {
	_, err := NewTracker(TrackerConfig{})
	assert.Error(t, err)
	_, err = NewTracker(TrackerConfig{Column: "x", Estimator: "arima"})
	assert.ErrorContains(t, err, "unknown estimator")
}

func TestTrackerOnProgressiveSum(t *testing.T) {
	rows := make([]types.Tuple, 0, 100)
	for i := 0; i < 100; i++ {
		rows = append(rows, types.Tuple{"v": int64(10)})
	}
	acc, err := op.NewGroupAccumulator(op.AccumulatorConfig{
		Aggregates: []op.AggregateSpec{{Column: "v", Func: "sum"}},
	})
	require.NoError(t, err)

	g := graph.New()
	src, err := g.AddSource("numbers", source.NewMemoryTable([]string{"v"}, rows, 10))
	require.NoError(t, err)
	agg, err := g.AddAggregate("total", acc)
	require.NoError(t, err)
	require.NoError(t, g.Subscribe(agg, 0, src))
	r, err := g.NewReader(agg)
	require.NoError(t, err)

	tr, err := NewTracker(TrackerConfig{Column: "v_sum"})
	require.NoError(t, err)
	tr.Attach(r)
	require.NoError(t, graph.NewScheduler(g).Run(context.Background()))

	steps := tr.Steps()
	require.Len(t, steps, 10)
	for i, s := range steps {
		assert.Equal(t, float64((i+1)*10), s.Rows)
		assert.Equal(t, float64((i+1)*100), s.Value)
	}

	evals := tr.Evaluate()
	require.Len(t, evals, 10)
	first, ok := FirstWithin(evals, 1)
	require.True(t, ok)
	assert.Equal(t, 10.0, first.Rows)
	assert.InDelta(t, 1000.0, first.Predicted, 1e-9)
	assert.InDelta(t, 0, evals[9].PercentError, 1e-9)
}

func TestTrackerOnProgressiveCountDistinct(t *testing.T) {
	rows := make([]types.Tuple, 0, 100)
	for i := 0; i < 100; i++ {
		rows = append(rows, types.Tuple{"user": int64(i % 20)})
	}
	acc, err := op.NewGroupAccumulator(op.AccumulatorConfig{
		Aggregates: []op.AggregateSpec{{Column: "user", Func: "count_distinct", As: "users"}},
	})
	require.NoError(t, err)

	g := graph.New()
	src, err := g.AddSource("visits", source.NewMemoryTable([]string{"user"}, rows, 10))
	require.NoError(t, err)
	agg, err := g.AddAggregate("users", acc)
	require.NoError(t, err)
	require.NoError(t, g.Subscribe(agg, 0, src))
	r, err := g.NewReader(agg)
	require.NoError(t, err)

	tr, err := NewTracker(TrackerConfig{Column: "users", Estimator: "last"})
	require.NoError(t, err)
	tr.Attach(r)
	require.NoError(t, graph.NewScheduler(g).Run(context.Background()))

	steps := tr.Steps()
	require.Len(t, steps, 10)
	assert.Equal(t, 10.0, steps[0].Value)
	assert.Equal(t, 20.0, steps[1].Value)
	assert.Equal(t, 20.0, steps[9].Value)
	assert.Equal(t, 100.0, steps[9].Rows)

	predicted, _, ok := tr.Predict(200)
	require.True(t, ok)
	assert.Equal(t, 20.0, predicted)
	evals := tr.Evaluate()
	require.Len(t, evals, 10)
	assert.InDelta(t, 0, evals[1].PercentError, 1e-9)
}
