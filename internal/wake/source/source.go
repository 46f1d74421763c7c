// Package source provides the ingestion tables behind source nodes: csv,
// parquet, sqlite, inline SQL, in-memory and chains of those. Every table
// yields batches carrying exactly the requested columns, in order, and
// returns io.EOF once exhausted.
package source

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ariyn/wake/internal/wake/types"
)

// DefaultBatchSize is used when a table does not configure one.
const DefaultBatchSize = 1024

var (
	// ErrUnknownColumn is returned when a projected column does not exist.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrMalformed is returned for a row that cannot be decoded.
	ErrMalformed = errors.New("malformed row")
	// ErrConfig is returned for an invalid table configuration.
	ErrConfig = errors.New("invalid table config")
)

// Table is a finite, non-restartable sequence of batches.
type Table interface {
	// Next returns the next batch, or io.EOF when exhausted.
	Next() (types.Batch, error)
	Close() error
	// Columns is the schema of every batch the table yields.
	Columns() []string
}

// projection resolves the requested columns against the available ones and
// returns their positions. An empty request selects every column.
func projection(available, requested []string) ([]string, []int, error) {
	if len(requested) == 0 {
		idx := make([]int, len(available))
		for i := range available {
			idx[i] = i
		}
		return append([]string(nil), available...), idx, nil
	}
	pos := make(map[string]int, len(available))
	for i, c := range available {
		pos[c] = i
	}
	idx := make([]int, 0, len(requested))
	for _, c := range requested {
		p, ok := pos[c]
		if !ok {
			return nil, nil, fmt.Errorf("%q: %w", c, ErrUnknownColumn)
		}
		idx = append(idx, p)
	}
	return append([]string(nil), requested...), idx, nil
}

// parseValue converts a raw text field according to a schema type. Empty
// fields of non-string columns are NULL.
func parseValue(value string, colType string) (any, error) {
	colType = strings.ToLower(strings.TrimSpace(colType))
	if value == "" && colType != "" && colType != "string" && colType != "text" {
		return nil, nil
	}
	switch colType {
	case "int", "int64", "integer", "bigint":
		return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	case "float", "float64", "double", "decimal":
		return strconv.ParseFloat(strings.TrimSpace(value), 64)
	case "date":
		if _, err := time.Parse("2006-01-02", value); err != nil {
			return nil, err
		}
		return value, nil
	case "string", "text", "":
		return value, nil
	default:
		return nil, fmt.Errorf("unsupported type: %s", colType)
	}
}

func validateSchema(schema map[string]string) error {
	for col, typ := range schema {
		if _, err := parseValue("", typ); err != nil {
			return fmt.Errorf("%w: column %q: %v", ErrConfig, col, err)
		}
	}
	return nil
}

func batchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return n
}
