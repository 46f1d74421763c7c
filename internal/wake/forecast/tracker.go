package forecast

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ariyn/wake/internal/logger"
	"github.com/ariyn/wake/internal/wake/graph"
	"github.com/ariyn/wake/internal/wake/types"
)

// TrackerConfig selects the metric to follow in a snapshot stream.
type TrackerConfig struct {
	// Column holds the metric, e.g. "l_extendedprice_sum".
	Column string `yaml:"column" koanf:"column"`
	// Group picks the row whose group key columns equal these values. Empty
	// means the first row, which is the only one for a global aggregate.
	Group map[string]any `yaml:"group" koanf:"group"`
	// Estimator names the estimator, see NewEstimator.
	Estimator string `yaml:"estimator" koanf:"estimator"`
	// TargetRows is the row count predictions are made for. Zero predicts
	// for the final processed count once the stream ends.
	TargetRows float64 `yaml:"target_rows" koanf:"target_rows"`
}

// Step is one observation together with the forecast produced right after
// consuming it.
type Step struct {
	Observation
	Forecast Forecast
}

// Evaluation scores the prediction made at one step against the final
// answer.
type Evaluation struct {
	Rows         float64
	Predicted    float64
	Model        string
	PercentError float64
}

// Tracker turns a cumulative snapshot stream into observations and keeps
// the forecasts produced along the way.
type Tracker struct {
	cfg   TrackerConfig
	newFn func() Estimator
	log   zerolog.Logger

	mu    sync.Mutex
	est   Estimator
	steps []Step
}

// NewTracker validates cfg and builds the configured estimator.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Column == "" {
		return nil, fmt.Errorf("forecast: column is required")
	}
	if _, err := NewEstimator(cfg.Estimator); err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}
	newFn := func() Estimator {
		e, _ := NewEstimator(cfg.Estimator)
		return e
	}
	return &Tracker{
		cfg:   cfg,
		newFn: newFn,
		est:   newFn(),
		log:   logger.New("forecast").With().Str("column", cfg.Column).Logger(),
	}, nil
}

// Attach feeds every batch delivered to r into the tracker.
func (t *Tracker) Attach(r *graph.Reader) {
	r.OnBatch(func(b types.Batch) {
		if err := t.Observe(b); err != nil {
			t.log.Debug().Err(err).Str("node", r.Node()).Msg("snapshot skipped")
		}
	})
}

// Observe extracts one observation from a snapshot. A snapshot whose
// processed count does not grow replaces the previous observation, and the
// estimator is rebuilt from the corrected series.
func (t *Tracker) Observe(b types.Batch) error {
	value, err := t.metric(b)
	if err != nil {
		return err
	}
	o := Observation{Rows: float64(b.Processed), Value: value}

	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.steps); n > 0 && o.Rows <= t.steps[n-1].Rows {
		t.steps = t.steps[:n-1]
		t.est = t.newFn()
		for _, s := range t.steps {
			t.est.Consume(s.Observation)
		}
	}
	t.est.Consume(o)
	f := t.est.Produce()
	t.steps = append(t.steps, Step{Observation: o, Forecast: f})

	if target := t.cfg.TargetRows; target > 0 {
		t.log.Trace().
			Float64("rows", o.Rows).
			Float64("value", o.Value).
			Float64("predicted", f.Predict(target)).
			Stringer("model", f).
			Msg("observation")
	}
	return nil
}

func (t *Tracker) metric(b types.Batch) (float64, error) {
	if !b.HasColumn(t.cfg.Column) {
		return 0, fmt.Errorf("forecast: batch has no column %q", t.cfg.Column)
	}
	for _, row := range b.Rows {
		if !t.matches(row) {
			continue
		}
		v := row[t.cfg.Column]
		if v == nil {
			return 0, fmt.Errorf("forecast: %q is NULL", t.cfg.Column)
		}
		f, ok := types.ToFloat64(v)
		if !ok || !types.IsNumeric(v) {
			return 0, fmt.Errorf("forecast: %q is not numeric: %v", t.cfg.Column, v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("forecast: no row matches group %v", t.cfg.Group)
}

func (t *Tracker) matches(row types.Tuple) bool {
	for col, want := range t.cfg.Group {
		if types.Compare(row[col], want) != 0 {
			return false
		}
	}
	return true
}

// Steps returns a copy of the observations seen so far.
func (t *Tracker) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Step(nil), t.steps...)
}

// Predict returns the latest forecast evaluated at rows. ok is false before
// the first observation.
func (t *Tracker) Predict(rows float64) (value float64, model string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.steps) == 0 {
		return 0, "", false
	}
	f := t.steps[len(t.steps)-1].Forecast
	return f.Predict(rows), f.String(), true
}

// Target is the configured target row count, or the latest processed count
// when none is configured.
func (t *Tracker) Target() float64 {
	if t.cfg.TargetRows > 0 {
		return t.cfg.TargetRows
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.steps) == 0 {
		return 0
	}
	return t.steps[len(t.steps)-1].Rows
}

// Evaluate treats the last observation as the final answer and scores the
// prediction every earlier step made for the final row count.
func (t *Tracker) Evaluate() []Evaluation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.steps) == 0 {
		return nil
	}
	final := t.steps[len(t.steps)-1].Observation
	out := make([]Evaluation, 0, len(t.steps))
	for _, s := range t.steps {
		p := s.Forecast.Predict(final.Rows)
		out = append(out, Evaluation{
			Rows:         s.Rows,
			Predicted:    p,
			Model:        s.Forecast.String(),
			PercentError: PercentError(final.Value, p),
		})
	}
	return out
}

// FirstWithin returns the first evaluation whose error is below perr.
func FirstWithin(evals []Evaluation, perr float64) (Evaluation, bool) {
	for _, e := range evals {
		if e.PercentError < perr {
			return e, true
		}
	}
	return Evaluation{}, false
}
