package graph

import (
	"io"
	"sync"

	"github.com/ariyn/wake/internal/wake/types"
)

// Reader is a passive subscriber that buffers every batch its producer emits.
// It is a forward-only, finite sequence: once drained after end-of-stream,
// Read keeps returning io.EOF (or the run's error).
//
// Read and Drain may be called from another goroutine while the scheduler
// runs. OnBatch observers run synchronously on the scheduler goroutine.
type Reader struct {
	node string

	mu        sync.Mutex
	cond      *sync.Cond
	buf       []types.Batch
	done      bool
	err       error
	observers []func(types.Batch)
	delivered int
}

func newReader(node string) *Reader {
	r := &Reader{node: node}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Node returns the name of the node the reader is attached to.
func (r *Reader) Node() string { return r.node }

// OnBatch registers fn to be called with every delivered batch, in order.
func (r *Reader) OnBatch(fn func(types.Batch)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

// Read blocks until a batch is available. After end-of-stream it returns
// io.EOF; after a failed run it returns the run error once the batches
// delivered before the failure are consumed.
func (r *Reader) Read() (types.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.buf) == 0 && !r.done {
		r.cond.Wait()
	}
	if len(r.buf) > 0 {
		b := r.buf[0]
		r.buf[0] = types.Batch{}
		r.buf = r.buf[1:]
		return b, nil
	}
	if r.err != nil {
		return types.Batch{}, r.err
	}
	return types.Batch{}, io.EOF
}

// Drain blocks until the stream ends and returns every batch not yet read,
// together with the run error (nil on a clean end).
func (r *Reader) Drain() ([]types.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.done {
		r.cond.Wait()
	}
	out := r.buf
	r.buf = nil
	return out, r.err
}

// Delivered is the number of batches handed to the reader so far.
func (r *Reader) Delivered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered
}

func (r *Reader) deliver(b types.Batch) {
	r.mu.Lock()
	observers := r.observers
	r.mu.Unlock()
	for _, fn := range observers {
		fn(b)
	}

	r.mu.Lock()
	if !r.done {
		r.buf = append(r.buf, b)
		r.delivered++
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

func (r *Reader) finish(err error) {
	r.mu.Lock()
	if !r.done {
		r.done = true
		r.err = err
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}
