// Package logging builds the supervisor's structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// Options selects level, output format and an optional log file.
type Options struct {
	Level  string
	Format string
	File   string

	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// New returns a logger writing to stderr and, if opts.File is set, also
// appending to that file. The returned closer releases the file and must be
// called on shutdown; it is a no-op when no file is used.
func New(opts Options) (*log.Logger, io.Closer, error) {
	if opts.Level == "" {
		opts.Level = "info"
	}
	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	var w io.Writer = opts.Stderr
	if w == nil {
		w = os.Stderr
	}

	closer := io.Closer(nopCloser{})
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closer = f
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter(opts.Format),
	})
	return logger, closer, nil
}

func formatter(name string) log.Formatter {
	switch name {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
