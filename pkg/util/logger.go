package util

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
)

// Logger is a prefixed, leveled logger.
type Logger struct {
	prefix string
	s      *zap.SugaredLogger
}

// NewLogger returns an info-level console logger named p.
func NewLogger(p string) *Logger {
	l, err := NewLoggerFromConfig(v1.DefaultLogConfig())
	if err != nil {
		return &Logger{prefix: p, s: zap.NewNop().Sugar()}
	}
	return l.Named(p)
}

// NewNopLogger discards everything. Tests use it.
func NewNopLogger() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

// NewLoggerFromConfig builds the root logger from the log section of the config.
func NewLoggerFromConfig(c v1.LogConfig) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	var zc zap.Config
	switch c.Format {
	case "", "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
		zc.DisableStacktrace = true
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q (must be console or json)", c.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	if c.Output != "" {
		zc.OutputPaths = []string{c.Output}
	}
	z, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Logger{s: z.Sugar()}, nil
}

// Named returns a child logger whose messages carry p as prefix.
func (l *Logger) Named(p string) *Logger {
	if p == "" {
		return l
	}
	return &Logger{prefix: p, s: l.s.Named(p)}
}

func (l *Logger) Debugf(f string, v ...any) { l.s.Debugf(f, v...) }
func (l *Logger) Infof(f string, v ...any)  { l.s.Infof(f, v...) }
func (l *Logger) Warnf(f string, v ...any)  { l.s.Warnf(f, v...) }
func (l *Logger) Errorf(f string, v ...any) { l.s.Errorf(f, v...) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.s.Sync() }
