package logging

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
)

// bufferingTeeWriter is a thread-safe writer that can buffer output and later
// flush it to a new destination. It can also tee output to a file.
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

	if w.isBuffering {
		w.buffer.Write(p)
	} else if w.target != nil {
		if _, err := w.target.Write(p); err != nil {
			firstErr = err
		}
	}

	if w.file != nil {
		if _, err := w.file.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return len(p), firstErr
}

var (
	writer   *bufferingTeeWriter
	levelVar = &slog.LevelVar{}
)

// Options select where log records go.
type Options struct {
	// BufferOutput holds records back until SetOutput is called, used
	// while the simulation TUI is not yet drawn.
	BufferOutput bool
	Level        string
	Format       string
	// File, when set, receives a copy of every record.
	File string
	// Journal sends records to the systemd journal instead of the
	// writer, provided the journal socket is reachable.
	Journal bool
}

// Init initializes the logging system.
func Init(opts Options) error {
	writer = &bufferingTeeWriter{
		buffer:      &bytes.Buffer{},
		isBuffering: opts.BufferOutput,
	}
	if !opts.BufferOutput {
		writer.target = os.Stderr
	}

	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return err
		}
		writer.file = file
	}

	levelVar.Set(ParseLevel(opts.Level))
	handlerOpts := &slog.HandlerOptions{
		Level: levelVar,
	}

	var handler slog.Handler
	switch {
	case opts.Journal && journal.Enabled():
		handler = newJournalHandler(levelVar)
		if writer.file != nil {
			handler = fanout{handler, newWriterHandler(opts.Format, writer, handlerOpts)}
		}
		// Nothing but the file may see the writer, stderr may be /dev/null.
		writer.target = nil
		writer.isBuffering = false
	default:
		handler = newWriterHandler(opts.Format, writer, handlerOpts)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

func newWriterHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR to slog levels. Anything
// else is INFO.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the level of the running logger.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	if levelVar.Level() != level {
		levelVar.Set(level)
		slog.Info("Log level changed", "level", level.String())
	}
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

// Close flushes any remaining logs and closes resources.
func Close() error {
	if writer == nil {
		return nil
	}
	writer.mu.Lock()
	defer writer.mu.Unlock()

	var firstErr error

	if writer.file != nil {
		if writer.buffer.Len() > 0 {
			if _, err := writer.file.Write(writer.buffer.Bytes()); err != nil {
				firstErr = err
			}
		}
		if err := writer.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		writer.file = nil
	} else if writer.target == nil {
		// No file and no other target: stderr is the last resort.
		if writer.buffer.Len() > 0 {
			if _, err := os.Stderr.Write(writer.buffer.Bytes()); err != nil {
				firstErr = err
			}
		}
	}

	writer.buffer.Reset()
	return firstErr
}
