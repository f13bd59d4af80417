// Package observability owns the process-wide loggers and Prometheus
// collectors.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

var (
	// CLILogger is the logger used by commands. It is a no-op until
	// InitCLILogger runs.
	CLILogger = zap.NewNop()

	loggerMu     sync.RWMutex
	serverLogger *zap.Logger
	level        = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// ParseLevel maps a level name to a zap level. "warning" is accepted as an
// alias for warn.
func ParseLevel(name string) (zapcore.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
	return lvl, nil
}

// NewLogger builds a logger writing to stderr. The structured profile emits
// JSON; console emits human-readable lines.
func NewLogger(lvl zap.AtomicLevel, profile string) (*zap.Logger, error) {
	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder

	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		encCfg = zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	case ProfileConsole:
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

// InitCLILogger configures CLILogger. It may be called again to change the
// level or profile.
func InitCLILogger(levelName, profile string) error {
	lvl, err := ParseLevel(levelName)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)

	logger, err := NewLogger(level, profile)
	if err != nil {
		return err
	}

	loggerMu.Lock()
	CLILogger = logger.With(zap.String("component", "cli"))
	serverLogger = logger.With(zap.String("component", "server"))
	loggerMu.Unlock()
	return nil
}

// SetLevel changes the level of every logger built by InitCLILogger.
func SetLevel(lvl zapcore.Level) {
	level.SetLevel(lvl)
}

// Level returns the current level.
func Level() zapcore.Level {
	return level.Level()
}

// ServerLogger returns the logger for HTTP server components.
func ServerLogger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if serverLogger == nil {
		return zap.NewNop()
	}
	return serverLogger
}

// Sync flushes buffered log entries.
func Sync() {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	_ = CLILogger.Sync()
}
