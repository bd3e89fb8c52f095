package timewarden

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging configures where and how this daemon's log output goes. It
// plays the same role as Caddy's Logging type, scaled down to the one
// sink most time-sync daemons actually use: stderr/stdout, optionally in
// a human-readable console encoding for interactive/debug runs.
type Logging struct {
	// Debug switches the default logger to a human-readable console
	// encoding at debug level, instead of the production JSON encoding.
	Debug bool `json:"debug,omitempty"`
}

// openLogs installs the configured logger as the process default and
// arranges for it to be flushed when ctx is canceled.
func (l *Logging) openLogs(ctx Context) error {
	logger, err := l.build()
	if err != nil {
		return fmt.Errorf("building logger: %v", err)
	}
	setDefaultLogger(logger)
	ctx.OnCancel(func() {
		_ = logger.Sync()
	})
	return nil
}

func (l *Logging) build() (*zap.Logger, error) {
	if l == nil || !l.Debug {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	return cfg.Build()
}

// Log returns the current default logger. Subsystems call
// Log().Named("scheduler") (or "discipline", "sourceset", "refclock",
// "keystore", "cmdproto") to scope their output, the way Caddy modules
// are named after their module ID.
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

func setDefaultLogger(l *zap.Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = l
}

var (
	defaultLogger, _ = zap.NewProduction()
	defaultLoggerMu  sync.RWMutex
)
