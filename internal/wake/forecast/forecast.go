// Package forecast predicts the converged value of a progressive aggregate
// from the snapshots seen so far. Each snapshot is one Observation: the
// number of input rows folded in and the metric value at that point.
package forecast

import (
	"fmt"
	"math"
)

// Observation is one point of a progressive series.
type Observation struct {
	Rows  float64
	Value float64
}

// Forecast predicts the value at an arbitrary row count.
type Forecast interface {
	Predict(rows float64) float64
	fmt.Stringer
}

// Estimator consumes observations in increasing Rows order and produces a
// forecast from everything consumed so far.
type Estimator interface {
	Name() string
	Consume(Observation)
	Produce() Forecast
}

// NewEstimator returns a fresh estimator by name: "last", "linear", "ratio"
// or "select" (a Selector over the default candidates).
func NewEstimator(name string) (Estimator, error) {
	switch name {
	case "last":
		return NewLastValue(), nil
	case "linear":
		return NewLinear(0), nil
	case "ratio":
		return NewRatio(), nil
	case "", "select":
		return NewSelectorWithDefaultCandidates(), nil
	default:
		return nil, fmt.Errorf("unknown estimator %q", name)
	}
}

// PercentError is 100*|actual-predicted|/|actual|. A zero actual value gives
// 0 when the prediction is also zero and +Inf otherwise.
func PercentError(actual, predicted float64) float64 {
	if actual == 0 {
		if predicted == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return 100 * math.Abs(actual-predicted) / math.Abs(actual)
}
