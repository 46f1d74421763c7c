package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ariyn/wake/internal/logger"
	"github.com/ariyn/wake/internal/wake/op"
	"github.com/ariyn/wake/internal/wake/types"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the scheduler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithRunID sets the run identifier used in logs and observer calls.
func WithRunID(id string) Option {
	return func(s *Scheduler) { s.runID = id }
}

// WithObserver registers an observer for run and step events.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.obs = o
		}
	}
}

// Scheduler drives one graph instance to completion. Each pass visits the
// nodes in topological order and lets every ready node take exactly one
// step: a source pulls one batch, any other node consumes one message.
type Scheduler struct {
	g     *Graph
	log   zerolog.Logger
	runID string
	obs   Observer

	steps int64
}

// NewScheduler takes ownership of g for a single run.
func NewScheduler(g *Graph, opts ...Option) *Scheduler {
	s := &Scheduler{
		g:     g,
		runID: uuid.NewString(),
		obs:   nopObserver{},
	}
	s.log = logger.New("scheduler")
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("run_id", s.runID).Logger()
	return s
}

// RunID returns the identifier of this run.
func (s *Scheduler) RunID() string { return s.runID }

// Run executes the graph until every node is terminal, or returns the first
// fatal error. Readers receive the same error after their buffered batches.
// Cancellation is checked between steps.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	if s.g.ran {
		return &Error{Kind: SetupError, ID: -1, Err: ErrAlreadyRun}
	}
	s.g.ran = true

	start := time.Now()
	s.obs.RunStarted(s.runID)
	s.log.Info().Int("nodes", len(s.g.nodes)).Msg("run started")
	defer func() {
		s.finish(err)
		d := time.Since(start)
		s.obs.RunFinished(s.runID, err, d)
		if err != nil {
			ev := s.log.Error().Err(err).Int64("steps", s.steps).Dur("elapsed", d)
			var ge *Error
			if errors.As(err, &ge) {
				ev = ev.Str("kind", ge.Kind.String()).Str("node", ge.Node)
			}
			ev.Msg("run failed")
			return
		}
		s.log.Info().Int64("steps", s.steps).Dur("elapsed", d).Msg("run finished")
	}()

	if err := s.g.validate(); err != nil {
		return err
	}
	order, err := s.g.topoOrder()
	if err != nil {
		return err
	}
	if err := s.open(); err != nil {
		return err
	}

	live := len(s.g.nodes)
	for _, n := range s.g.nodes {
		n.state = stateActive
	}
	for live > 0 {
		progressed := false
		for _, id := range order {
			n := s.g.nodes[id]
			if n.state == stateDone {
				continue
			}
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("run cancelled: %w", err)
			}
			did, err := s.step(n)
			if err != nil {
				return err
			}
			if did {
				progressed = true
			}
			if n.state == stateDone {
				live--
				s.log.Debug().Str("node", n.name).Str("kind", n.kind.String()).
					Int64("batches_out", n.stats.BatchesOut).Int64("rows_out", n.stats.RowsOut).
					Msg("node finished")
				s.obs.NodeFinished(s.runID, n.stats)
			}
		}
		if !progressed && live > 0 {
			return &Error{Kind: SetupError, ID: -1, Err: ErrNoProgress}
		}
	}
	return nil
}

// Stats returns per-node counters in node id order.
func (s *Scheduler) Stats() []NodeStats {
	out := make([]NodeStats, 0, len(s.g.nodes))
	for _, n := range s.g.nodes {
		out = append(out, n.stats)
	}
	return out
}

func (s *Scheduler) open() error {
	for _, n := range s.g.nodes {
		if n.kind != KindSource {
			continue
		}
		o, ok := n.table.(Opener)
		if !ok {
			continue
		}
		if err := o.Open(); err != nil {
			return newError(ResourceError, n, fmt.Errorf("open: %w", err))
		}
		s.log.Debug().Str("node", n.name).Msg("source opened")
	}
	return nil
}

// finish releases every source still holding a resource and terminates all
// readers.
func (s *Scheduler) finish(runErr error) {
	for _, n := range s.g.nodes {
		if n.kind == KindSource && n.table != nil && n.state != stateDone {
			if err := n.table.Close(); err != nil {
				s.log.Warn().Err(err).Str("node", n.name).Msg("close source")
			}
		}
		for _, r := range n.readers {
			r.finish(runErr)
		}
	}
}

func (s *Scheduler) step(n *node) (bool, error) {
	start := time.Now()
	var rowsIn, rowsOut int
	did, err := func() (bool, error) {
		switch n.kind {
		case KindSource:
			return s.stepSource(n, &rowsOut)
		case KindJoin:
			return s.stepJoin(n, &rowsIn, &rowsOut)
		default:
			return s.stepUnary(n, &rowsIn, &rowsOut)
		}
	}()
	if !did || err != nil {
		return did, err
	}

	d := time.Since(start)
	s.steps++
	n.stats.Steps++
	n.stats.Busy += d
	s.obs.Step(s.runID, n.name, n.kind, rowsIn, rowsOut, d)
	s.log.Trace().Str("node", n.name).Int("rows_in", rowsIn).Int("rows_out", rowsOut).Msg("step")
	return true, nil
}

func (s *Scheduler) stepSource(n *node, rowsOut *int) (bool, error) {
	b, err := n.table.Next()
	if errors.Is(err, io.EOF) {
		n.state = stateDone
		if cerr := n.table.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Str("node", n.name).Msg("close source")
		}
		return true, s.emitEOS(n)
	}
	if err != nil {
		return false, newError(DataError, n, err)
	}
	*rowsOut = b.Len()
	return true, s.emit(n, b)
}

func (s *Scheduler) stepUnary(n *node, rowsIn, rowsOut *int) (bool, error) {
	p := n.ports[0]
	m, ok := p.pop()
	if !ok {
		return false, nil
	}
	if m.eos {
		if !p.finish(m.from) {
			return true, nil
		}
		if n.kind == KindAggregate && !n.emitted {
			snap := n.acc.Snapshot()
			*rowsOut = snap.Len()
			if err := s.emit(n, snap); err != nil {
				return true, err
			}
		}
		n.state = stateDone
		return true, s.emitEOS(n)
	}

	n.stats.BatchesIn++
	n.stats.RowsIn += int64(m.batch.Len())
	*rowsIn = m.batch.Len()

	var out types.Batch
	var err error
	switch n.kind {
	case KindTransform:
		out, err = n.transform.Apply(m.batch)
	case KindAggregate:
		out, err = n.acc.Fold(m.batch)
		n.emitted = true
	}
	if err != nil {
		return true, newError(DataError, n, err)
	}
	*rowsOut = out.Len()
	return true, s.emit(n, out)
}

func (s *Scheduler) stepJoin(n *node, rowsIn, rowsOut *int) (bool, error) {
	idx := -1
	for i := 0; i < len(n.ports); i++ {
		cand := (n.nextPort + i) % len(n.ports)
		if len(n.ports[cand].queue) > 0 {
			idx = cand
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	n.nextPort = (idx + 1) % len(n.ports)

	p := n.ports[idx]
	m, _ := p.pop()
	if m.eos {
		p.finish(m.from)
		if n.ports[0].closed && n.ports[1].closed {
			n.state = stateDone
			return true, s.emitEOS(n)
		}
		return true, nil
	}

	n.stats.BatchesIn++
	n.stats.RowsIn += int64(m.batch.Len())
	*rowsIn = m.batch.Len()
	out, err := n.join.Probe(op.Side(idx), m.batch)
	if err != nil {
		return true, newError(DataError, n, err)
	}
	*rowsOut = out.Len()
	return true, s.emit(n, out)
}

// emit hands b to every subscriber and reader. The first receiver gets b
// itself, every other receiver a private copy.
func (s *Scheduler) emit(n *node, b types.Batch) error {
	n.stats.BatchesOut++
	n.stats.RowsOut += int64(b.Len())

	first := true
	share := func() types.Batch {
		if first {
			first = false
			return b
		}
		return b.Clone()
	}
	for _, e := range n.subscribers {
		c := s.g.nodes[e.consumer]
		if err := c.ports[e.port].push(message{from: n.id, batch: share()}); err != nil {
			return newError(DataError, c, fmt.Errorf("port %d from %q: %w", e.port, n.name, err))
		}
	}
	for _, r := range n.readers {
		r.deliver(share())
	}
	return nil
}

func (s *Scheduler) emitEOS(n *node) error {
	for _, e := range n.subscribers {
		c := s.g.nodes[e.consumer]
		if err := c.ports[e.port].push(message{from: n.id, eos: true}); err != nil {
			return newError(DataError, c, fmt.Errorf("port %d from %q: %w", e.port, n.name, err))
		}
	}
	for _, r := range n.readers {
		r.finish(nil)
	}
	return nil
}
