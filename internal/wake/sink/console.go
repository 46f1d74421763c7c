package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ariyn/wake/internal/wake/types"
)

// ConsoleConfig configures a ConsoleSink.
type ConsoleConfig struct {
	Format string `yaml:"format"` // json | text
	// Quiet drops the per-batch header line of the text format.
	Quiet bool `yaml:"quiet"`
}

// ConsoleSink prints every batch to stdout.
type ConsoleSink struct {
	format string
	quiet  bool
	out    io.Writer
	seq    int64
	mu     sync.Mutex
}

type consoleBatch struct {
	Batch     int64         `json:"batch"`
	Processed int64         `json:"processed"`
	Columns   []string      `json:"columns"`
	Rows      []types.Tuple `json:"rows"`
}

func NewConsoleSink(config map[string]any) (*ConsoleSink, error) {
	var cfg ConsoleConfig
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}
	switch cfg.Format {
	case "":
		cfg.Format = "json"
	case "json", "text":
	default:
		return nil, fmt.Errorf("%w: unsupported console format %q", ErrConfig, cfg.Format)
	}
	return &ConsoleSink{format: cfg.Format, quiet: cfg.Quiet, out: os.Stdout}, nil
}

// SetOutput redirects the sink, mostly for tests.
func (s *ConsoleSink) SetOutput(w io.Writer) {
	s.mu.Lock()
	s.out = w
	s.mu.Unlock()
}

func (s *ConsoleSink) WriteBatch(batch types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++

	if s.format == "json" {
		rows := batch.Rows
		if rows == nil {
			rows = []types.Tuple{}
		}
		encoder := json.NewEncoder(s.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(consoleBatch{
			Batch:     s.seq,
			Processed: batch.Processed,
			Columns:   batch.Columns,
			Rows:      rows,
		})
	}

	var sb strings.Builder
	if !s.quiet {
		fmt.Fprintf(&sb, "-- batch %d (processed %d, rows %d)\n", s.seq, batch.Processed, len(batch.Rows))
	}
	sb.WriteString(strings.Join(batch.Columns, "\t"))
	sb.WriteByte('\n')
	for _, row := range batch.Rows {
		for i, c := range batch.Columns {
			if i > 0 {
				sb.WriteByte('\t')
			}
			if v := row[c]; v == nil {
				sb.WriteString("NULL")
			} else {
				fmt.Fprintf(&sb, "%v", v)
			}
		}
		sb.WriteByte('\n')
	}
	_, err := io.WriteString(s.out, sb.String())
	return err
}

func (s *ConsoleSink) Close() error {
	return nil
}
