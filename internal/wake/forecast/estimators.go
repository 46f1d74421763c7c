package forecast

import "fmt"

// constant always predicts the same value.
type constant struct {
	value float64
}

func (c constant) Predict(float64) float64 { return c.value }
func (c constant) String() string          { return fmt.Sprintf("constant(%g)", c.value) }

// LastValue predicts that the latest observed value is final. It suits
// averages, minimums and maximums that converge quickly.
type LastValue struct {
	last Observation
	seen bool
}

func NewLastValue() *LastValue { return &LastValue{} }

func (e *LastValue) Name() string { return "last" }

func (e *LastValue) Consume(o Observation) {
	e.last = o
	e.seen = true
}

func (e *LastValue) Produce() Forecast {
	return constant{value: e.last.Value}
}

// line is value = intercept + slope*rows.
type line struct {
	intercept float64
	slope     float64
}

func (l line) Predict(rows float64) float64 { return l.intercept + l.slope*rows }
func (l line) String() string {
	return fmt.Sprintf("linear(%g + %g*rows)", l.intercept, l.slope)
}

// Linear fits a least-squares line through the observations. With a
// positive window only the most recent window points are used.
type Linear struct {
	window int
	points []Observation
}

func NewLinear(window int) *Linear { return &Linear{window: window} }

func (e *Linear) Name() string { return "linear" }

func (e *Linear) Consume(o Observation) {
	e.points = append(e.points, o)
	if e.window > 0 && len(e.points) > e.window {
		e.points = append(e.points[:0], e.points[len(e.points)-e.window:]...)
	}
}

func (e *Linear) Produce() Forecast {
	n := float64(len(e.points))
	switch len(e.points) {
	case 0:
		return constant{}
	case 1:
		return constant{value: e.points[0].Value}
	}

	var sx, sy, sxx, sxy float64
	for _, p := range e.points {
		sx += p.Rows
		sy += p.Value
		sxx += p.Rows * p.Rows
		sxy += p.Rows * p.Value
	}
	denom := n*sxx - sx*sx
	if denom == 0 {
		return constant{value: e.points[len(e.points)-1].Value}
	}
	slope := (n*sxy - sx*sy) / denom
	return line{intercept: (sy - slope*sx) / n, slope: slope}
}

// proportional is value = rate*rows.
type proportional struct {
	rate float64
}

func (p proportional) Predict(rows float64) float64 { return p.rate * rows }
func (p proportional) String() string               { return fmt.Sprintf("ratio(%g per row)", p.rate) }

// Ratio scales the latest value per row to the target row count. It suits
// sums and counts over a uniformly distributed input.
type Ratio struct {
	last Observation
}

func NewRatio() *Ratio { return &Ratio{} }

func (e *Ratio) Name() string { return "ratio" }

func (e *Ratio) Consume(o Observation) { e.last = o }

func (e *Ratio) Produce() Forecast {
	if e.last.Rows == 0 {
		return constant{value: e.last.Value}
	}
	return proportional{rate: e.last.Value / e.last.Rows}
}
