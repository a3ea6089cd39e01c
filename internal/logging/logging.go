// Package logging builds the zap logger used by the indexing pipeline for
// "log and continue" operational messages. Interactive CLI
// output (progress lines, search results) stays on plain stderr writes in
// cmd/smartcoding and internal/tui — this logger is for the pipeline only.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger appropriate for CLI use: human-readable console
// encoding, level gated by verbose.
func New(verbose bool) *zap.Logger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = "" // timestamps add noise to a local CLI tool's stderr
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		level,
	)
	return zap.New(core)
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger { return zap.NewNop() }
