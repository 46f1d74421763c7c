// Package sink writes the batches delivered by a graph.Reader somewhere
// outside the process: the console, a json-lines or csv file, or parquet.
package sink

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ariyn/wake/internal/wake/types"
)

// Reserved columns appended to every written row. BatchColumn numbers the
// batches a sink has written, starting at 1; ProcessedColumn carries
// Batch.Processed so progressive snapshots can be told apart.
const (
	BatchColumn     = "__batch"
	ProcessedColumn = "__processed"
)

var (
	// ErrConfig is returned for an invalid sink configuration.
	ErrConfig = errors.New("invalid sink config")
	// ErrClosed is returned when writing to a closed sink.
	ErrClosed = errors.New("sink is closed")
)

// Sink is the interface for output sinks.
type Sink interface {
	// WriteBatch writes one delivered batch.
	WriteBatch(types.Batch) error
	Close() error
}

// Config selects and configures a sink. Options holds the type specific
// settings (path, format, compression, ...) plus the optional batch block
// understood by the batching wrapper.
type Config struct {
	Type    string         `yaml:"type" koanf:"type"`
	Options map[string]any `yaml:"config" koanf:"config"`
}

// QueryPlaceholder in a sink path is replaced with the query name, giving
// every query of a run its own file.
const QueryPlaceholder = "{query}"

// ForQuery returns cfg with QueryPlaceholder in the path option expanded to
// name. The options map is copied, cfg is left untouched.
func ForQuery(cfg Config, name string) Config {
	path, ok := cfg.Options["path"].(string)
	if !ok || !strings.Contains(path, QueryPlaceholder) {
		return cfg
	}
	opts := make(map[string]any, len(cfg.Options))
	for k, v := range cfg.Options {
		opts[k] = v
	}
	opts["path"] = strings.ReplaceAll(path, QueryPlaceholder, name)
	cfg.Options = opts
	return cfg
}

// SharesPath reports whether the sink writes to one fixed file for every
// query.
func SharesPath(cfg Config) bool {
	path, ok := cfg.Options["path"].(string)
	return ok && path != "" && !strings.Contains(path, QueryPlaceholder)
}

// Open builds the configured sink and wraps it with batching when the
// options ask for it. An empty type means console.
func Open(cfg Config) (Sink, error) {
	var (
		s   Sink
		err error
	)
	switch cfg.Type {
	case "", "console":
		s, err = NewConsoleSink(cfg.Options)
	case "file":
		s, err = NewFileSink(cfg.Options)
	case "parquet":
		s, err = NewParquetSink(cfg.Options)
	default:
		return nil, fmt.Errorf("%w: unsupported sink type %q", ErrConfig, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	wrapped, err := wrapWithBatchingIfConfigured(cfg.Options, s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return wrapped, nil
}

// decode maps a loosely typed config onto a typed struct with a yaml round
// trip.
func decode(config map[string]any, out any) error {
	if config == nil {
		return nil
	}
	raw, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal config: %v", ErrConfig, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: failed to parse config: %v", ErrConfig, err)
	}
	return nil
}

// rowValues flattens a tuple in column order followed by the reserved
// columns.
func rowValues(columns []string, t types.Tuple, seq, processed int64) []any {
	out := make([]any, 0, len(columns)+2)
	for _, c := range columns {
		out = append(out, t[c])
	}
	return append(out, seq, processed)
}
