// Package logger builds the process-wide structured logger.
package logger

import (
	"log"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a structured JSON logger. The level comes from LOG_LEVEL and
// defaults to info.
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(getLogLevel())
	return cfg.Build()
}

// MustInit builds the logger, installs it as the zap global, and returns
// it. Failure to build a logger is unrecoverable.
func MustInit() *zap.Logger {
	l, err := New()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	zap.ReplaceGlobals(l)
	return l
}

// getLogLevel returns the log level from environment or defaults to INFO.
func getLogLevel() zapcore.Level {
	level := os.Getenv("LOG_LEVEL")
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
