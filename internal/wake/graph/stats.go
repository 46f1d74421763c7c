package graph

import "time"

// NodeStats are the counters a scheduler keeps for one node during a run.
type NodeStats struct {
	Name       string
	Kind       Kind
	Steps      int64
	BatchesIn  int64
	RowsIn     int64
	BatchesOut int64
	RowsOut    int64
	Busy       time.Duration
}

// Observer receives scheduler events. Calls happen on the scheduler
// goroutine; implementations must not block.
type Observer interface {
	RunStarted(runID string)
	Step(runID string, node string, kind Kind, rowsIn, rowsOut int, d time.Duration)
	NodeFinished(runID string, stats NodeStats)
	RunFinished(runID string, err error, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) RunStarted(string)                                  {}
func (nopObserver) Step(string, string, Kind, int, int, time.Duration) {}
func (nopObserver) NodeFinished(string, NodeStats)                     {}
func (nopObserver) RunFinished(string, error, time.Duration)           {}
