package sink

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ariyn/wake/internal/wake/types"
)

// FileConfig configures a FileSink.
type FileConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // json (json lines) | csv
	// Truncate starts a fresh file instead of appending.
	Truncate bool `yaml:"truncate"`
}

// FileSink appends rows to a local file, one json object or csv record per
// row, each tagged with the reserved batch columns.
type FileSink struct {
	path    string
	format  string
	file    *os.File
	encoder *json.Encoder
	writer  *csv.Writer
	// headers is the csv column order, taken from an existing file or from
	// the first batch written.
	headers        []string
	needsCSVHeader bool
	seq            int64
	mu             sync.Mutex
}

func NewFileSink(config map[string]any) (*FileSink, error) {
	var cfg FileConfig
	if err := decode(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: file path is required", ErrConfig)
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Format != "json" && cfg.Format != "csv" {
		return nil, fmt.Errorf("%w: unsupported format: %s", ErrConfig, cfg.Format)
	}

	flags := os.O_CREATE | os.O_RDWR
	if cfg.Truncate {
		flags |= os.O_TRUNC
	}
	if cfg.Format == "json" {
		// each encoded row lands in a single append
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(cfg.Path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", cfg.Path, err)
	}

	s := &FileSink{path: cfg.Path, format: cfg.Format, file: f}
	if s.format == "json" {
		s.encoder = json.NewEncoder(f)
		return s, nil
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat file %s: %w", cfg.Path, err)
	}
	if stat.Size() > 0 {
		record, err := csv.NewReader(f).Read()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to read csv header from %s: %w", cfg.Path, err)
		}
		for _, col := range record {
			if col == BatchColumn || col == ProcessedColumn {
				continue
			}
			s.headers = append(s.headers, col)
		}
	} else {
		s.needsCSVHeader = true
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to seek file %s: %w", cfg.Path, err)
	}
	s.writer = csv.NewWriter(f)
	return s, nil
}

func (s *FileSink) WriteBatch(batch types.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrClosed
	}
	s.seq++
	if len(batch.Rows) == 0 {
		return nil
	}

	if s.format == "json" {
		for _, row := range batch.Rows {
			line := make(map[string]any, len(batch.Columns)+2)
			for _, c := range batch.Columns {
				line[c] = row[c]
			}
			line[BatchColumn] = s.seq
			line[ProcessedColumn] = batch.Processed
			if err := s.encoder.Encode(line); err != nil {
				return fmt.Errorf("write %s: %w", s.path, err)
			}
		}
		return nil
	}

	if s.headers == nil {
		s.headers = append([]string(nil), batch.Columns...)
	}
	if s.needsCSVHeader {
		header := append(append([]string(nil), s.headers...), BatchColumn, ProcessedColumn)
		if err := s.writer.Write(header); err != nil {
			return err
		}
		s.needsCSVHeader = false
	}
	for _, row := range batch.Rows {
		vals := rowValues(s.headers, row, s.seq, batch.Processed)
		record := make([]string, len(vals))
		for i, v := range vals {
			if v != nil {
				record[i] = fmt.Sprintf("%v", v)
			}
		}
		if err := s.writer.Write(record); err != nil {
			return err
		}
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
