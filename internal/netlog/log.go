// Package netlog builds the process-wide zap logger and hands out named
// children, mirroring the teacher's NamedLogger convention.
package netlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the root logger construction.
type Options struct {
	Verbose    bool
	Foreground bool
}

// New builds the process-wide logger. In foreground mode it uses a
// human-readable console encoder; otherwise a JSON encoder suited to
// syslog/journal capture.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true
	if opts.Foreground {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	return cfg.Build()
}

// Named returns a child logger scoped to a subsystem, the same pattern the
// teacher's Plugin.Init uses to obtain its own logger from the host.
func Named(log *zap.Logger, name string) *zap.Logger {
	return log.Named(name)
}
