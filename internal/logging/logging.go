// Package logging builds the structured logger shared by every engine.
// The teacher logs with the stdlib log package at every call site
// (log.Printf("webhook: ...")); we keep that same "one line per event,
// key=value-ish" texture but route it through zap so the ambient stack
// matches the rest of the xmidt-flavored dependency closure this module
// carries (see DESIGN.md).
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-shaped *zap.Logger at the given level
// ("debug", "info", "warn", "error"; defaults to "info" on a bad value).
func New(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		// zap.NewProductionConfig().Build() only fails on a bad sink/encoder
		// name, neither of which we alter; fall back defensively anyway.
		return zap.NewNop()
	}
	return logger
}

// Nop returns a logger that discards everything, for tests and for engine
// fields left unset by callers (matching the teacher's optional-field
// pattern, e.g. ws.Handler.Bus being nil is legal).
func Nop() *zap.Logger { return zap.NewNop() }

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
