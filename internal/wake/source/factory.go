package source

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ariyn/wake/internal/wake/types"
)

// TableInput is everything needed to open one table: its identifier, the
// backing descriptor (Spec, with a "type" key) and the column projection.
type TableInput struct {
	Name      string
	Spec      map[string]any
	Columns   []string
	BatchSize int
}

// Open builds the table described by in. Configuration problems and unknown
// columns wrap ErrConfig or ErrUnknownColumn; anything else is a failure to
// reach the backing resource.
func Open(in TableInput) (Table, error) {
	typ, _ := in.Spec["type"].(string)
	var (
		t   Table
		err error
	)
	switch typ {
	case "csv", "tbl":
		var cfg CSVConfig
		if err := decode(in.Spec, &cfg); err != nil {
			return nil, fmt.Errorf("table %s: %w", in.Name, err)
		}
		if typ == "tbl" {
			if cfg.Delimiter == "" {
				cfg.Delimiter = "|"
			}
			if cfg.Header == nil {
				noHeader := false
				cfg.Header = &noHeader
			}
		}
		t, err = openCSV(cfg, in.Columns, in.BatchSize)
	case "parquet":
		var cfg ParquetConfig
		if err := decode(in.Spec, &cfg); err != nil {
			return nil, fmt.Errorf("table %s: %w", in.Name, err)
		}
		t, err = openParquet(cfg, in.Columns, in.BatchSize)
	case "sqlite":
		var cfg SQLiteConfig
		if err := decode(in.Spec, &cfg); err != nil {
			return nil, fmt.Errorf("table %s: %w", in.Name, err)
		}
		if cfg.BatchSize == 0 {
			cfg.BatchSize = in.BatchSize
		}
		if cfg.Table == "" && cfg.Query == "" {
			cfg.Table = in.Name
		}
		t, err = NewSQLiteTable(cfg, in.Columns)
	case "sql":
		var cfg SQLConfig
		if err := decode(in.Spec, &cfg); err != nil {
			return nil, fmt.Errorf("table %s: %w", in.Name, err)
		}
		if cfg.BatchSize == 0 {
			cfg.BatchSize = in.BatchSize
		}
		t, err = NewSQLTable(cfg, in.Columns)
	case "memory":
		var cfg struct {
			Columns []string         `yaml:"columns"`
			Rows    []map[string]any `yaml:"rows"`
		}
		if err := decode(in.Spec, &cfg); err != nil {
			return nil, fmt.Errorf("table %s: %w", in.Name, err)
		}
		rows := make([]types.Tuple, 0, len(cfg.Rows))
		for _, r := range cfg.Rows {
			for k, v := range r {
				if i, ok := v.(int); ok {
					r[k] = int64(i)
				}
			}
			rows = append(rows, types.Tuple(r))
		}
		var cols []string
		cols, _, err = projection(cfg.Columns, in.Columns)
		if err == nil {
			t = NewMemoryTable(cols, rows, in.BatchSize)
		}
	case "":
		return nil, fmt.Errorf("table %s: %w: missing type", in.Name, ErrConfig)
	default:
		return nil, fmt.Errorf("table %s: %w: unsupported type %q", in.Name, ErrConfig, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", in.Name, err)
	}
	return t, nil
}

// decode maps a loosely typed config onto a typed struct with a yaml round
// trip.
func decode(config map[string]any, out any) error {
	raw, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal config: %v", ErrConfig, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: failed to parse config: %v", ErrConfig, err)
	}
	return nil
}
