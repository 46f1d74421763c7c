// Package graph is the push-based operator runtime: an arena of nodes wired
// by (producer, consumer, port) subscriptions, a single-threaded scheduler
// that drives batches through it, and readers that expose a node's output.
package graph

import (
	"fmt"

	"github.com/ariyn/wake/internal/wake/op"
	"github.com/ariyn/wake/internal/wake/types"
)

// NodeID is a stable index into the graph's node arena.
type NodeID int

// Kind is the operator kind of a node.
type Kind int

const (
	KindSource Kind = iota
	KindTransform
	KindAggregate
	KindJoin
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindTransform:
		return "transform"
	case KindAggregate:
		return "aggregate"
	case KindJoin:
		return "join"
	default:
		return "unknown"
	}
}

func (k Kind) ports() int {
	switch k {
	case KindSource:
		return 0
	case KindJoin:
		return 2
	default:
		return 1
	}
}

// Table is the ingestion capability behind a source node. Next returns io.EOF
// once the table is exhausted.
type Table interface {
	Next() (types.Batch, error)
	Close() error
}

// Opener is implemented by tables that acquire their resource lazily. Open is
// called once before any batch flows.
type Opener interface {
	Open() error
}

type nodeState int

const (
	stateIdle nodeState = iota
	stateActive
	stateDone
)

type edge struct {
	consumer NodeID
	port     int
}

type message struct {
	from  NodeID
	batch types.Batch
	eos   bool
}

type port struct {
	producers []NodeID
	finished  map[NodeID]bool
	queue     []message
	closed    bool
}

func (p *port) push(m message) error {
	if p.closed || p.finished[m.from] {
		return ErrPortClosed
	}
	p.queue = append(p.queue, m)
	return nil
}

func (p *port) pop() (message, bool) {
	if len(p.queue) == 0 {
		return message{}, false
	}
	m := p.queue[0]
	p.queue[0] = message{}
	p.queue = p.queue[1:]
	return m, true
}

// finish records end-of-stream from one producer and reports whether the
// port is now closed.
func (p *port) finish(from NodeID) bool {
	p.finished[from] = true
	if len(p.finished) == len(p.producers) && len(p.queue) == 0 {
		p.closed = true
	}
	return p.closed
}

type node struct {
	id    NodeID
	name  string
	kind  Kind
	state nodeState

	table     Table
	transform op.Transform
	acc       op.Accumulator
	join      *op.HashJoin

	ports       []*port
	subscribers []edge
	readers     []*Reader

	emitted  bool
	nextPort int
	stats    NodeStats
}

// Graph is one query instance. It is not safe for concurrent wiring; a run
// is driven by exactly one Scheduler.
type Graph struct {
	nodes  []*node
	byName map[string]NodeID
	ran    bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{byName: make(map[string]NodeID)}
}

// AddSource registers a source node backed by t.
func (g *Graph) AddSource(name string, t Table) (NodeID, error) {
	if t == nil {
		return -1, Setupf("source %q: nil table", name)
	}
	return g.add(name, KindSource, func(n *node) { n.table = t })
}

// AddTransform registers a stateless transform node.
func (g *Graph) AddTransform(name string, t op.Transform) (NodeID, error) {
	if t == nil {
		return -1, Setupf("transform %q: nil operator", name)
	}
	return g.add(name, KindTransform, func(n *node) { n.transform = t })
}

// AddAggregate registers a progressive aggregate node.
func (g *Graph) AddAggregate(name string, acc op.Accumulator) (NodeID, error) {
	if acc == nil {
		return -1, Setupf("aggregate %q: nil accumulator", name)
	}
	return g.add(name, KindAggregate, func(n *node) { n.acc = acc })
}

// AddJoin registers a two-port join node. Port 0 is the left input, port 1
// the right input.
func (g *Graph) AddJoin(name string, j *op.HashJoin) (NodeID, error) {
	if j == nil {
		return -1, Setupf("join %q: nil operator", name)
	}
	return g.add(name, KindJoin, func(n *node) { n.join = j })
}

func (g *Graph) add(name string, kind Kind, bind func(*node)) (NodeID, error) {
	if g.ran {
		return -1, &Error{Kind: SetupError, ID: -1, Err: ErrAlreadyRun}
	}
	if name == "" {
		return -1, Setupf("%s node: empty name", kind)
	}
	if _, dup := g.byName[name]; dup {
		return -1, Setupf("duplicate node name %q", name)
	}
	n := &node{id: NodeID(len(g.nodes)), name: name, kind: kind}
	for i := 0; i < kind.ports(); i++ {
		n.ports = append(n.ports, &port{finished: make(map[NodeID]bool)})
	}
	n.stats = NodeStats{Name: name, Kind: kind}
	bind(n)
	g.nodes = append(g.nodes, n)
	g.byName[name] = n.id
	return n.id, nil
}

// Subscribe feeds producer's output into the given input port of consumer.
// Edges that would close a cycle are rejected.
func (g *Graph) Subscribe(consumer NodeID, portIdx int, producer NodeID) error {
	if g.ran {
		return &Error{Kind: SetupError, ID: -1, Err: ErrAlreadyRun}
	}
	c, err := g.node(consumer)
	if err != nil {
		return err
	}
	p, err := g.node(producer)
	if err != nil {
		return err
	}
	if portIdx < 0 || portIdx >= len(c.ports) {
		return newError(SetupError, c, fmt.Errorf("%s node has no input port %d", c.kind, portIdx))
	}
	for _, existing := range c.ports[portIdx].producers {
		if existing == producer {
			return newError(SetupError, c, fmt.Errorf("already subscribed to %q on port %d", p.name, portIdx))
		}
	}
	if producer == consumer || g.reaches(consumer, producer) {
		return newError(SetupError, c, fmt.Errorf("subscribe to %q: %w", p.name, ErrCycle))
	}
	c.ports[portIdx].producers = append(c.ports[portIdx].producers, producer)
	p.subscribers = append(p.subscribers, edge{consumer: consumer, port: portIdx})
	return nil
}

// NewReader attaches a passive reader to producer's output. Readers must be
// attached before the run starts.
func (g *Graph) NewReader(producer NodeID) (*Reader, error) {
	if g.ran {
		return nil, &Error{Kind: SetupError, ID: -1, Err: ErrAlreadyRun}
	}
	n, err := g.node(producer)
	if err != nil {
		return nil, err
	}
	r := newReader(n.name)
	n.readers = append(n.readers, r)
	return r, nil
}

// Lookup resolves a node name.
func (g *Graph) Lookup(name string) (NodeID, bool) {
	id, ok := g.byName[name]
	return id, ok
}

// Name returns the name of a node, or "" for an unknown id.
func (g *Graph) Name(id NodeID) string {
	if n, err := g.node(id); err == nil {
		return n.name
	}
	return ""
}

// KindOf returns the operator kind of a node.
func (g *Graph) KindOf(id NodeID) (Kind, bool) {
	n, err := g.node(id)
	if err != nil {
		return 0, false
	}
	return n.kind, true
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) node(id NodeID) (*node, error) {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil, Setupf("unknown node id %d", id)
	}
	return g.nodes[id], nil
}

// reaches reports whether to is reachable from from along subscriptions.
func (g *Graph) reaches(from, to NodeID) bool {
	visiting := make(map[NodeID]bool)
	stack := []NodeID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if visiting[cur] {
			continue
		}
		visiting[cur] = true
		for _, e := range g.nodes[cur].subscribers {
			stack = append(stack, e.consumer)
		}
	}
	return false
}

// validate checks that every input port is bound.
func (g *Graph) validate() error {
	if len(g.nodes) == 0 {
		return Setupf("graph has no nodes")
	}
	for _, n := range g.nodes {
		for i, p := range n.ports {
			if len(p.producers) == 0 {
				return newError(SetupError, n, fmt.Errorf("port %d: %w", i, ErrUnbound))
			}
		}
	}
	return nil
}

// topoOrder returns node ids in dependency order (Kahn), ties broken by id.
func (g *Graph) topoOrder() ([]NodeID, error) {
	indeg := make([]int, len(g.nodes))
	for _, n := range g.nodes {
		for _, e := range n.subscribers {
			indeg[e.consumer]++
		}
	}
	var q []NodeID
	for _, n := range g.nodes {
		if indeg[n.id] == 0 {
			q = append(q, n.id)
		}
	}
	order := make([]NodeID, 0, len(g.nodes))
	for len(q) > 0 {
		v := q[0]
		q = q[1:]
		order = append(order, v)
		for _, e := range g.nodes[v].subscribers {
			indeg[e.consumer]--
			if indeg[e.consumer] == 0 {
				q = append(q, e.consumer)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, &Error{Kind: SetupError, ID: -1, Err: ErrCycle}
	}
	return order, nil
}
