package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu            sync.RWMutex
	isDevelopment bool
	out           io.Writer     = os.Stderr
	level         zerolog.Level = zerolog.InfoLevel

	base zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	rebuild()
}

// New returns a logger tagged with the given component name.
func New(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}

// SetDevelopment switches between JSON output and a human readable console
// writer.
func SetDevelopment(value bool) {
	mu.Lock()
	isDevelopment = value
	mu.Unlock()
	rebuild()
}

// SetLevel parses lvl ("trace", "debug", "info", ...) and applies it to
// loggers created afterwards.
func SetLevel(lvl string) error {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(lvl)))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", lvl, err)
	}
	mu.Lock()
	level = l
	mu.Unlock()
	rebuild()
	return nil
}

// SetOutput redirects every logger created afterwards. nil restores stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	out = w
	mu.Unlock()
	rebuild()
}

func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	if !isDevelopment {
		base = zerolog.New(out).Level(level).With().Timestamp().Str("service", "wake").Logger()
		return
	}

	consoleWriter := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339,
		FormatLevel: func(i any) string {
			return strings.ToUpper(fmt.Sprintf("[%5s]", i))
		},
		FormatMessage: func(i any) string {
			return fmt.Sprintf("| %s |", i)
		},
		FormatCaller: func(i any) string {
			return filepath.Base(fmt.Sprintf("%s", i))
		},
		PartsExclude: []string{
			zerolog.TimestampFieldName,
		}}
	base = zerolog.New(consoleWriter).Level(level).With().Timestamp().Str("service", "wake").Caller().Logger()
}
