package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Attribute keys shared by every bridge component.
const (
	KeyLink    = "link_id"
	KeyWorker  = "worker_id"
	KeyPort    = "port"
	KeyChannel = "channel"
)

// Options configures a Logger.
type Options struct {
	// Path is the log file. Empty means Writer, or stderr if Writer is nil.
	Path string
	// Level is one of ValidLevels; unknown values mean INFO.
	Level string
	// Rotation applies when Path is set.
	Rotation RotationConfig
	// Writer receives output when Path is empty.
	Writer io.Writer
}

// sink is the shared output of a logger and all of its children.
type sink struct {
	mu     sync.Mutex
	closer io.Closer
	syncer interface{ Sync() error }
}

// Logger provides structured logging with context propagation.
// It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	out    *sink
	attrs  []slog.Attr
}

// New creates a Logger from opts.
func New(opts Options) (*Logger, error) {
	out := &sink{}
	var writer io.Writer

	switch {
	case opts.Path != "":
		rw, err := NewRotatingWriter(opts.Path, opts.Rotation)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = rw
		out.closer = rw
		out.syncer = rw
	case opts.Writer != nil:
		writer = opts.Writer
	default:
		writer = os.Stderr
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(opts.Level))

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})

	return &Logger{
		logger: slog.New(handler),
		level:  level,
		out:    out,
	}, nil
}

// NewWithWriter creates a Logger writing JSON records to w.
func NewWithWriter(w io.Writer, level string) *Logger {
	// New cannot fail without a path.
	l, _ := New(Options{Writer: w, Level: level})
	return l
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the minimum level of this logger and every logger
// derived from the same root.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current minimum level as a string.
func (l *Logger) Level() string {
	switch l.level.Level() {
	case slog.LevelDebug:
		return LevelDebug
	case slog.LevelWarn:
		return LevelWarn
	case slog.LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// WithLink returns a child logger tagged with a link id.
func (l *Logger) WithLink(id string) *Logger {
	return l.withAttr(slog.String(KeyLink, id))
}

// WithWorker returns a child logger tagged with a worker id.
func (l *Logger) WithWorker(id string) *Logger {
	return l.withAttr(slog.String(KeyWorker, id))
}

// WithPort returns a child logger tagged with a port name.
func (l *Logger) WithPort(name string) *Logger {
	return l.withAttr(slog.String(KeyPort, name))
}

// WithChannel returns a child logger tagged with a log-sink channel.
func (l *Logger) WithChannel(channel string) *Logger {
	return l.withAttr(slog.String(KeyChannel, channel))
}

// With returns a new Logger with arbitrary key-value attributes.
// Keys and values are provided as alternating arguments.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	attrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	attrs = append(attrs, l.attrs...)
	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}

	return l.child(attrs)
}

func (l *Logger) withAttr(attr slog.Attr) *Logger {
	attrs := make([]slog.Attr, len(l.attrs)+1)
	copy(attrs, l.attrs)
	attrs[len(l.attrs)] = attr
	return l.child(attrs)
}

func (l *Logger) child(attrs []slog.Attr) *Logger {
	return &Logger{
		logger: l.logger,
		level:  l.level,
		out:    l.out,
		attrs:  attrs,
	}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

// Log logs at a level given by name. The log sink uses it for records that
// arrive with their own level.
func (l *Logger) Log(level string, msg string, args ...any) {
	l.log(parseLevel(level), msg, args...)
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	all := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		all = append(all, attr.Key, attr.Value.Any())
	}
	all = append(all, args...)

	l.logger.Log(context.Background(), level, msg, all...)
}

// Sync flushes the log file to stable storage. It is a no-op for loggers
// that do not write to a file.
func (l *Logger) Sync() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.syncer == nil {
		return nil
	}
	if err := l.out.syncer.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	return nil
}

// Close flushes and closes the log file. Closing any logger derived from
// the same root closes the shared file.
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.closer == nil {
		return nil
	}
	err := l.out.closer.Close()
	l.out.closer = nil
	l.out.syncer = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// NopLogger returns a Logger that discards all log output.
func NopLogger() *Logger {
	return NewWithWriter(io.Discard, LevelError)
}

// ParseLevel converts a string level to the corresponding constant.
// Returns LevelInfo if the level string is not recognized.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
