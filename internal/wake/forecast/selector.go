package forecast

import (
	"fmt"
	"math"
)

// Candidate is an estimator together with the errors of its recent
// one-step-ahead predictions, oldest first.
type Candidate struct {
	Estimator Estimator
	Errors    []float64

	forecast Forecast
}

// Strategy picks the candidate whose forecast a Selector returns.
type Strategy interface {
	Select(candidates []*Candidate) int
}

// LowestRecentError picks the candidate with the lowest mean percent error
// over its last Window one-step-ahead predictions. Ties go to the earlier
// candidate; a candidate without recorded errors scores +Inf.
type LowestRecentError struct {
	Window int
}

func (s LowestRecentError) Select(candidates []*Candidate) int {
	best, bestScore := 0, math.Inf(1)
	for i, c := range candidates {
		errs := c.Errors
		if s.Window > 0 && len(errs) > s.Window {
			errs = errs[len(errs)-s.Window:]
		}
		score := math.Inf(1)
		if len(errs) > 0 {
			score = 0
			for _, e := range errs {
				score += e
			}
			score /= float64(len(errs))
		}
		if score < bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// Selector runs several estimators side by side. Before each candidate
// consumes an observation, its previous forecast is scored against it.
type Selector struct {
	candidates []*Candidate
	strategy   Strategy
	maxErrors  int
}

// DefaultWindow is the error window of the default strategy.
const DefaultWindow = 5

// NewSelector builds a selector over estimators. A nil strategy means
// LowestRecentError with DefaultWindow.
func NewSelector(strategy Strategy, estimators ...Estimator) *Selector {
	if strategy == nil {
		strategy = LowestRecentError{Window: DefaultWindow}
	}
	s := &Selector{strategy: strategy, maxErrors: 64}
	for _, e := range estimators {
		s.candidates = append(s.candidates, &Candidate{Estimator: e})
	}
	return s
}

// NewSelectorWithDefaultCandidates selects among ratio, linear, a trailing
// linear fit and last-value.
func NewSelectorWithDefaultCandidates() *Selector {
	return NewSelector(nil, NewRatio(), NewLinear(0), NewLinear(DefaultWindow), NewLastValue())
}

func (s *Selector) Name() string { return "select" }

func (s *Selector) Consume(o Observation) {
	for _, c := range s.candidates {
		if c.forecast != nil {
			c.Errors = append(c.Errors, PercentError(o.Value, c.forecast.Predict(o.Rows)))
			if len(c.Errors) > s.maxErrors {
				c.Errors = append(c.Errors[:0], c.Errors[len(c.Errors)-s.maxErrors:]...)
			}
		}
		c.Estimator.Consume(o)
		c.forecast = c.Estimator.Produce()
	}
}

// Produce returns the forecast of the candidate the strategy selects.
func (s *Selector) Produce() Forecast {
	if len(s.candidates) == 0 {
		return constant{}
	}
	c := s.candidates[s.strategy.Select(s.candidates)]
	f := c.forecast
	if f == nil {
		f = c.Estimator.Produce()
	}
	return selected{Forecast: f, name: c.Estimator.Name()}
}

// Candidates exposes the candidates and their error history.
func (s *Selector) Candidates() []*Candidate { return s.candidates }

type selected struct {
	Forecast
	name string
}

func (s selected) String() string { return fmt.Sprintf("%s via %s", s.Forecast, s.name) }
