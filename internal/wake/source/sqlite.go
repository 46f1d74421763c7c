package source

import (
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ariyn/wake/internal/wake/types"
)

// SQLiteConfig reads a table (or an arbitrary SELECT) from a sqlite file.
type SQLiteConfig struct {
	Path      string `yaml:"path"`
	Table     string `yaml:"table"`
	Query     string `yaml:"query"`
	BatchSize int    `yaml:"batch_size"`
}

// SQLiteTable streams a query result in batches.
type SQLiteTable struct {
	db      *sql.DB
	rows    *sql.Rows
	columns []string
	idx     []int
	width   int
	size    int
	done    bool
}

// NewSQLiteTable opens the database read-only and starts the query.
func NewSQLiteTable(cfg SQLiteConfig, columns []string) (*SQLiteTable, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: %w: path is required", ErrConfig)
	}
	if cfg.Table == "" && cfg.Query == "" {
		return nil, fmt.Errorf("sqlite %s: %w: table or query is required", cfg.Path, ErrConfig)
	}

	db, err := sql.Open("sqlite3", "file:"+cfg.Path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	query := cfg.Query
	if query == "" {
		query = "SELECT * FROM " + quoteIdent(cfg.Table)
	}
	rows, err := db.Query(query)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite %s: query: %w", cfg.Path, err)
	}
	available, err := rows.Columns()
	if err != nil {
		rows.Close()
		db.Close()
		return nil, fmt.Errorf("sqlite %s: columns: %w", cfg.Path, err)
	}
	cols, idx, err := projection(available, columns)
	if err != nil {
		rows.Close()
		db.Close()
		return nil, fmt.Errorf("sqlite %s: %w", cfg.Path, err)
	}

	return &SQLiteTable{
		db:      db,
		rows:    rows,
		columns: cols,
		idx:     idx,
		width:   len(available),
		size:    batchSize(cfg.BatchSize),
	}, nil
}

func (s *SQLiteTable) Columns() []string { return append([]string(nil), s.columns...) }

func (s *SQLiteTable) Next() (types.Batch, error) {
	if s.done {
		return types.Batch{}, io.EOF
	}
	batch := types.NewBatch(s.columns)
	batch.Rows = make([]types.Tuple, 0, s.size)

	vals := make([]any, s.width)
	ptrs := make([]any, s.width)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for len(batch.Rows) < s.size {
		if !s.rows.Next() {
			s.done = true
			if err := s.rows.Err(); err != nil {
				return types.Batch{}, fmt.Errorf("sqlite: %w: %v", ErrMalformed, err)
			}
			break
		}
		if err := s.rows.Scan(ptrs...); err != nil {
			return types.Batch{}, fmt.Errorf("sqlite: %w: %v", ErrMalformed, err)
		}
		tuple := make(types.Tuple, len(s.columns))
		for i, c := range s.columns {
			tuple[c] = normalizeSQLValue(vals[s.idx[i]])
		}
		batch.Rows = append(batch.Rows, tuple)
	}
	if len(batch.Rows) == 0 && s.done {
		return types.Batch{}, io.EOF
	}
	return batch, nil
}

func (s *SQLiteTable) Close() error {
	if s.db == nil {
		return nil
	}
	s.done = true
	rerr := s.rows.Close()
	derr := s.db.Close()
	s.db = nil
	if rerr != nil {
		return rerr
	}
	return derr
}

func normalizeSQLValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	case int:
		return int64(x)
	default:
		return v
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
