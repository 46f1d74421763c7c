package sink

import (
	"fmt"
	"sync"
	"time"

	"github.com/ariyn/wake/internal/wake/types"
)

// BatchConfig controls the batching wrapper. Mode "concat" (default) merges
// the rows of consecutive batches; mode "latest" keeps only the newest batch,
// which suits progressive aggregate snapshots where every batch supersedes
// the previous one.
type BatchConfig struct {
	MaxBatches      int    `yaml:"max_batches"`
	MaxBatchSize    int    `yaml:"max_batch_size"`
	MaxBatchDelayMS int    `yaml:"max_batch_delay_ms"`
	Mode            string `yaml:"mode"`
}

type batchingWrapperConfig struct {
	Batch *BatchConfig `yaml:"batch"`
}

func wrapWithBatchingIfConfigured(config map[string]any, s Sink) (Sink, error) {
	if s == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	var wrapperCfg batchingWrapperConfig
	if err := decode(config, &wrapperCfg); err != nil {
		return nil, err
	}
	bc := wrapperCfg.Batch
	if bc == nil {
		return s, nil
	}
	switch bc.Mode {
	case "", "concat", "latest":
	default:
		return nil, fmt.Errorf("%w: unsupported batch mode %q", ErrConfig, bc.Mode)
	}
	maxDelay := time.Duration(bc.MaxBatchDelayMS) * time.Millisecond
	if bc.MaxBatchSize <= 0 && bc.MaxBatches <= 0 && maxDelay <= 0 {
		return s, nil
	}
	if maxDelay < 0 {
		maxDelay = 0
	}
	return NewBatchSink(s, *bc), nil
}

// BatchSink buffers batches and hands them to the inner sink once the size
// or count limit is reached, once the delay expires, or on Close.
type BatchSink struct {
	inner Sink

	latest        bool
	maxBatches    int
	maxBatchSize  int
	maxBatchDelay time.Duration

	// flushMu keeps inner writes in buffer order.
	flushMu  sync.Mutex
	mu       sync.Mutex
	buffer   types.Batch
	pending  int
	timer    *time.Timer
	closed   bool
	asyncErr error
}

func NewBatchSink(inner Sink, cfg BatchConfig) *BatchSink {
	delay := time.Duration(cfg.MaxBatchDelayMS) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	return &BatchSink{
		inner:         inner,
		latest:        cfg.Mode == "latest",
		maxBatches:    cfg.MaxBatches,
		maxBatchSize:  cfg.MaxBatchSize,
		maxBatchDelay: delay,
	}
}

func (s *BatchSink) WriteBatch(batch types.Batch) error {
	s.mu.Lock()
	if s.asyncErr != nil {
		err := s.asyncErr
		s.mu.Unlock()
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	wasEmpty := s.pending == 0
	if s.latest || s.pending == 0 || !sameSchema(s.buffer.Columns, batch.Columns) {
		if !s.latest && s.pending > 0 {
			// Schema changed: hand over what is buffered first.
			s.mu.Unlock()
			if err := s.Flush(); err != nil {
				return err
			}
			return s.WriteBatch(batch)
		}
		s.buffer = batch.Clone()
	} else {
		s.buffer.Rows = append(s.buffer.Rows, batch.Rows...)
		if batch.Processed > s.buffer.Processed {
			s.buffer.Processed = batch.Processed
		}
	}
	s.pending++
	if wasEmpty {
		s.startTimerLocked()
	}

	shouldFlush := (s.maxBatches > 0 && s.pending >= s.maxBatches) ||
		(s.maxBatchSize > 0 && len(s.buffer.Rows) >= s.maxBatchSize)
	s.mu.Unlock()

	if shouldFlush {
		return s.Flush()
	}
	return nil
}

// Flush hands the buffered batch to the inner sink.
func (s *BatchSink) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	chunk, ok, err := s.takeForFlush()
	if err != nil || !ok {
		return err
	}
	if err := s.inner.WriteBatch(chunk); err != nil {
		s.setAsyncErr(err)
		return err
	}
	return nil
}

func (s *BatchSink) Close() error {
	s.mu.Lock()
	if s.closed {
		err := s.asyncErr
		s.mu.Unlock()
		return err
	}
	s.closed = true
	s.stopTimerLocked()
	err := s.asyncErr
	s.mu.Unlock()

	if err != nil {
		_ = s.inner.Close()
		return err
	}
	if err := s.Flush(); err != nil {
		_ = s.inner.Close()
		return err
	}
	return s.inner.Close()
}

func (s *BatchSink) startTimerLocked() {
	if s.maxBatchDelay <= 0 {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.maxBatchDelay, func() {
			// the error is kept by setAsyncErr and reported on the next call
			_ = s.Flush()
		})
		return
	}
	s.timer.Reset(s.maxBatchDelay)
}

func (s *BatchSink) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *BatchSink) takeForFlush() (types.Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.asyncErr != nil {
		return types.Batch{}, false, s.asyncErr
	}
	s.stopTimerLocked()
	if s.pending == 0 {
		return types.Batch{}, false, nil
	}
	chunk := s.buffer
	s.buffer = types.Batch{}
	s.pending = 0
	return chunk, true, nil
}

func (s *BatchSink) setAsyncErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.asyncErr == nil {
		s.asyncErr = err
	}
	s.stopTimerLocked()
}

func sameSchema(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
