// Package bidslog provides structured logging for the batch engine.
//
// It wraps zerolog with a single behavior choice: the main orchestrator log
// goes to stderr so that stdout stays free for --dry-run command printing
// and the end-of-run summary table.
package bidslog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with the engine's console formatting.
type Logger struct {
	zlog   zerolog.Logger
	output io.Writer
}

// New creates a logger writing to w with the engine's console format.
func New(w io.Writer) *Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return &Logger{
		zlog:   zerolog.New(cw).With().Timestamp().Logger(),
		output: w,
	}
}

// NewDefault creates a logger writing to stderr.
func NewDefault() *Logger {
	return New(os.Stderr)
}

// NewFile creates a logger that writes to both stderr and the given file.
func NewFile(path string) (*Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	mw := io.MultiWriter(os.Stderr, f)
	return New(mw), f, nil
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }

// With returns a child logger context for attaching fields, e.g.
// logger.With().Str("unit", u.ID()).Logger().
func (l *Logger) With() zerolog.Context { return l.zlog.With() }

// Output returns the underlying writer.
func (l *Logger) Output() io.Writer { return l.output }

// SetGlobalLevel sets the process-wide minimum log level.
func SetGlobalLevel(level zerolog.Level) { zerolog.SetGlobalLevel(level) }

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
