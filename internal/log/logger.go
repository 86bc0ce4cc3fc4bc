package log

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is json or text.
	Format   string
	Rotation RotationConfig
}

// New builds a redacting logger. With a rotation file configured output
// goes to the rotating file and the returned closer must be closed;
// otherwise fallback receives the records.
func New(opts Options, fallback io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = fallback
		closer io.Closer = nopCloser{}
	)
	if opts.Rotation.File != "" {
		writer, err := NewRotatingWriter(opts.Rotation)
		if err != nil {
			return nil, nil, err
		}
		out, closer = writer, writer
	}
	if out == nil {
		out = io.Discard
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		base = slog.NewTextHandler(out, handlerOpts)
	case "json":
		base = slog.NewJSONHandler(out, handlerOpts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}

	return slog.New(NewRedactingHandler(base)), closer, nil
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or Discard when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
