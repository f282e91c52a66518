package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Sink describes one log destination: a level, a handler format and an
// optional tee file.
type Sink struct {
	Level  string
	Format string
	File   string
}

// bufferingTeeWriter is a thread-safe writer that can buffer output and
// later flush it to a new destination. It can also tee output to a file.
// The TUI backend starts buffered so early log lines are not drawn over
// the interface, then redirects into its log pane once that exists.
type bufferingTeeWriter struct {
	mu          sync.Mutex
	buffer      *bytes.Buffer
	target      io.Writer
	file        *os.File
	isBuffering bool
}

func (w *bufferingTeeWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error

	// When buffering, we write to the buffer. bytes.Buffer.Write always returns a nil error.
	if w.isBuffering {
		w.buffer.Write(p)
	} else if w.target != nil {
		if _, err := w.target.Write(p); err != nil {
			firstErr = err
		}
	}

	// Always write to the file if it's configured.
	if w.file != nil {
		if _, err := w.file.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return len(p), firstErr
}

var (
	defaultLogger *slog.Logger
	writer        *bufferingTeeWriter
)

// ParseLevel converts a config level string into a slog.Level. Unknown
// levels are an error so a typo in the config file fails at startup
// instead of silently logging at the wrong level.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want DEBUG, INFO, WARN or ERROR)", levelStr)
	}
}

// ParseFormat checks a config format string ("text" or "json").
func ParseFormat(formatStr string) (string, error) {
	switch strings.ToLower(formatStr) {
	case "text":
		return "text", nil
	case "json":
		return "json", nil
	default:
		return "", fmt.Errorf("unknown log format %q (want \"text\" or \"json\")", formatStr)
	}
}

// Init initializes the logging system for the given sink and installs
// it as the slog default. With buffer set, output is held back until
// SetOutput provides a destination. Calling Init again, as a config
// reload does, replaces the previous sink and closes its tee file.
func Init(sink Sink, buffer bool) error {
	if writer != nil && writer.file != nil {
		writer.mu.Lock()
		writer.file.Close()
		writer.file = nil
		writer.mu.Unlock()
	}

	writer = &bufferingTeeWriter{
		buffer:      &bytes.Buffer{},
		isBuffering: buffer,
	}
	if !buffer {
		// Live from the start; the TUI backend instead starts buffered
		// and redirects into its log pane via SetOutput.
		writer.target = os.Stderr
	}

	if sink.File != "" {
		file, err := os.OpenFile(sink.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		writer.file = file
	}

	level, err := ParseLevel(sink.Level)
	if err != nil {
		return err
	}
	format, err := ParseFormat(sink.Format)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)

	return nil
}

// SetOutput flushes the buffer to the new writer and starts live logging.
func SetOutput(newTarget io.Writer) error {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	if writer.buffer.Len() > 0 {
		if _, err := newTarget.Write(writer.buffer.Bytes()); err != nil {
			return err
		}
		writer.buffer.Reset()
	}

	writer.target = newTarget
	writer.isBuffering = false
	return nil
}

// BufferOutput stops live logging and starts buffering.
func BufferOutput() {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	writer.target = nil
	writer.isBuffering = true
}

// Close flushes any remaining logs and closes resources. A no-op when
// Init never ran.
func Close() error {
	if writer == nil {
		return nil
	}
	writer.mu.Lock()
	defer writer.mu.Unlock()

	var firstErr error

	// If there's a file, ensure the buffer is flushed to it.
	if writer.file != nil {
		if writer.buffer.Len() > 0 {
			if _, err := writer.file.Write(writer.buffer.Bytes()); err != nil {
				firstErr = err
			}
		}
		if err := writer.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	} else if writer.target == nil {
		// No file and no live target: flush the buffer to stderr as a
		// last resort so shutdown messages are not lost.
		if writer.buffer.Len() > 0 {
			if _, err := os.Stderr.Write(writer.buffer.Bytes()); err != nil {
				firstErr = err
			}
		}
	}

	writer.buffer.Reset()
	return firstErr
}
