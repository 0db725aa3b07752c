// Package zap adapts go.uber.org/zap to pokeshell.Logger.
package zap

import (
	"github.com/pokechat/pokeshell"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct{ L *zap.Logger }

var _ pokeshell.Logger = Logger{}

// New builds a production zap logger at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func New(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return Logger{}, err
	}
	return Logger{L: l.Named("pokeshell")}, nil
}

func (z Logger) Debug(msg string, f pokeshell.Fields) { z.L.Debug(msg, zf(f)...) }
func (z Logger) Info(msg string, f pokeshell.Fields)  { z.L.Info(msg, zf(f)...) }
func (z Logger) Warn(msg string, f pokeshell.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z Logger) Error(msg string, f pokeshell.Fields) { z.L.Error(msg, zf(f)...) }

// Sync flushes buffered entries.
func (z Logger) Sync() error { return z.L.Sync() }

func zf(f pokeshell.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
