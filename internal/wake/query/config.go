// Package query turns a declarative query definition into a wired graph:
// sources opened, operators built, subscriptions made and the output reader
// attached, with configuration problems reported as setup errors before any
// batch flows.
package query

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ariyn/wake/internal/wake/forecast"
	"github.com/ariyn/wake/internal/wake/op"
	"github.com/ariyn/wake/internal/wake/sink"
)

// Node kinds accepted in a NodeConfig.
const (
	KindSource    = "source"
	KindTransform = "transform"
	KindAggregate = "aggregate"
	KindJoin      = "join"
)

// Config is the whole run configuration.
type Config struct {
	Run     RunConfig                 `koanf:"run"`
	Tables  map[string]map[string]any `koanf:"tables"`
	Queries []QueryConfig             `koanf:"queries"`
	Sink    sink.Config               `koanf:"sink"`
}

// RunConfig holds run wide settings.
type RunConfig struct {
	BatchSize   int    `koanf:"batch_size"`
	LogLevel    string `koanf:"log_level"`
	Development bool   `koanf:"development"`
	// Parallelism bounds how many queries run at once; 0 means no bound.
	Parallelism int `koanf:"parallelism"`
	// TPCHDir holds <table>.tbl files for the built-in TPC-H queries.
	TPCHDir string `koanf:"tpch_dir"`
}

// QueryConfig describes one graph. Nodes must be listed after their inputs.
type QueryConfig struct {
	Name string `koanf:"name"`
	// Output names the node whose stream is read; the last node by default.
	Output   string                  `koanf:"output"`
	Nodes    []NodeConfig            `koanf:"nodes"`
	Forecast *forecast.TrackerConfig `koanf:"forecast"`
}

// NodeConfig describes one operator. Which fields apply depends on Kind.
type NodeConfig struct {
	Name   string   `koanf:"name"`
	Kind   string   `koanf:"kind"`
	Inputs []string `koanf:"inputs"`

	// source
	Table   string   `koanf:"table"`
	Columns []string `koanf:"columns"`

	// transform, applied as filter, derive, select, sort, limit
	Filter string         `koanf:"filter"`
	Derive []DeriveConfig `koanf:"derive"`
	Select []string       `koanf:"select"`
	Sort   []SortConfig   `koanf:"sort"`
	Limit  *int64         `koanf:"limit"`
	Offset int64          `koanf:"offset"`

	// join; inputs are [left, right]
	LeftOn  []string `koanf:"left_on"`
	RightOn []string `koanf:"right_on"`

	// aggregate
	GroupKey   []string           `koanf:"group_key"`
	Aggregates []op.AggregateSpec `koanf:"aggregates"`
}

// DeriveConfig adds the column Name computed by Expr.
type DeriveConfig struct {
	Name string `koanf:"name"`
	Expr string `koanf:"expr"`
}

// SortConfig is one ordering key.
type SortConfig struct {
	Column string `koanf:"column"`
	Desc   bool   `koanf:"desc"`
}

// Load reads and merges the given yaml files in order.
func Load(paths ...string) (*Config, error) {
	ko := koanf.New(".")
	for _, p := range paths {
		if err := LoadFile(ko, p); err != nil {
			return nil, err
		}
	}
	return Decode(ko)
}

// LoadFile merges one yaml config file into ko.
func LoadFile(ko *koanf.Koanf, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("unsupported config file extension: %s", path)
	}
	if err := ko.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("error reading config %s: %w", path, err)
	}
	return nil
}

// Decode unmarshals a loaded koanf tree.
func Decode(ko *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := ko.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	return &cfg, nil
}

// Query returns the query with the given name.
func (c *Config) Query(name string) (QueryConfig, bool) {
	for _, q := range c.Queries {
		if q.Name == name {
			return q, true
		}
	}
	return QueryConfig{}, false
}
