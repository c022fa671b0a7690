// Package logging provides the structured logger used throughout the
// calibration engine. It is a trimmed adaptation of the logging facade
// used across the wider robotics stack this project is derived from:
// a thin, swappable wrapper around zap rather than a direct zap
// dependency in every package.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger interface threaded through every
// component of the calibration engine.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Named(name string) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (z *zapLogger) Debugw(msg string, kv ...interface{}) { z.s.Debugw(msg, kv...) }
func (z *zapLogger) Infow(msg string, kv ...interface{})  { z.s.Infow(msg, kv...) }
func (z *zapLogger) Warnw(msg string, kv ...interface{})  { z.s.Warnw(msg, kv...) }
func (z *zapLogger) Errorw(msg string, kv ...interface{}) { z.s.Errorw(msg, kv...) }

func (z *zapLogger) Named(name string) Logger {
	return &zapLogger{z.s.Named(name)}
}

// NewLogger returns a logger that writes Info+ level logs to stdout.
func NewLogger(name string) Logger {
	cfg := consoleConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	l := zap.Must(cfg.Build()).Sugar().Named(name)
	return &zapLogger{l}
}

// NewDebugLogger returns a logger that writes Debug+ level logs to stdout.
func NewDebugLogger(name string) Logger {
	cfg := consoleConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	l := zap.Must(cfg.Build()).Sugar().Named(name)
	return &zapLogger{l}
}

// NewTestLogger returns a logger suitable for use inside Go tests; output
// is attributed to the running test via tb.Log.
func NewTestLogger(tb testing.TB) Logger {
	cfg := consoleConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	core, err := cfg.Build(zap.WrapCore(func(zapcore.Core) zapcore.Core {
		return zapcore.NewCore(
			zapcore.NewConsoleEncoder(cfg.EncoderConfig),
			zapcore.AddSync(testWriter{tb}),
			cfg.Level,
		)
	}))
	if err != nil {
		tb.Fatalf("failed to build test logger: %v", err)
	}
	return &zapLogger{core.Sugar().Named(tb.Name())}
}

type testWriter struct{ tb testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Log(string(p))
	return len(p), nil
}

func consoleConfig() zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg
}
