package taskcluster

import "go.uber.org/zap"

// Logger defines logging methods used by the library. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// NewZapLogger adapts a zap logger. A nil logger yields a no-op logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// NopLogger discards everything. It is the default for library components.
func NopLogger() Logger { return zap.NewNop().Sugar() }
