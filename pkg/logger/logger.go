// Package logger provides a leveled logger backed by zap. Timestamps can be
// taken from a simulated clock so that log lines are reproducible.
package logger

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/baxromumarov/walsim/pkg/types"
)

// Level represents a log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a log level string.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "info", "INFO":
		return LevelInfo
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Clock supplies the time stamped on every entry.
type Clock interface {
	Now() types.VirtualTime
}

type zapClock struct{ c Clock }

func (z zapClock) Now() time.Time {
	return time.UnixMilli(int64(z.c.Now())).UTC()
}

func (z zapClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// virtualTimeEncoder prints the entry time as milliseconds since the
// epoch, which for a simulated clock is the virtual time.
func virtualTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(strconv.FormatInt(t.UnixMilli(), 10) + "ms")
}

// Logger is a leveled logger.
type Logger struct {
	z *zap.Logger
	s *zap.SugaredLogger
}

// New creates a new logger with the given prefix, level, and output.
func New(prefix string, level Level, out io.Writer) *Logger {
	if out == nil {
		out = os.Stderr
	}
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     virtualTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(out)),
		zap.NewAtomicLevelAt(level.zapLevel()),
	)
	z := zap.New(core)
	if prefix != "" {
		z = z.Named(prefix)
	}
	return FromZap(z)
}

// FromZap wraps an existing zap logger, e.g. one built by zaptest.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{z: z, s: z.Sugar()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return FromZap(zap.NewNop())
}

// WithClock returns a logger stamping entries with the given clock.
func (l *Logger) WithClock(c Clock) *Logger {
	return FromZap(l.z.WithOptions(zap.WithClock(zapClock{c: c})))
}

// Named returns a child logger with name appended to the prefix.
func (l *Logger) Named(name string) *Logger {
	return FromZap(l.z.Named(name))
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...any) *Logger {
	return FromZap(l.s.With(keysAndValues...).Desugar())
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger { return l.z }

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return l.z.Core().Enabled(level.zapLevel())
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.z.Sync() }

func (l *Logger) log(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	switch level {
	case LevelDebug:
		l.z.Debug(msg)
	case LevelInfo:
		l.z.Info(msg)
	case LevelWarn:
		l.z.Warn(msg)
	default:
		l.z.Error(msg)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }

// Info logs an info message.
func (l *Logger) Info(format string, args ...any) { l.log(LevelInfo, format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) { l.log(LevelWarn, format, args...) }

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
