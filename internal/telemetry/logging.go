// Package telemetry provides the structured logging and Prometheus
// metrics ambient stack (SPEC_FULL.md §6) shared by both binaries.
// Logging replaces the teacher's bare log.Printf("[tag] ...") calls with
// go.uber.org/zap, keeping the same bracketed component-name convention
// for messages where no structured field applies.
package telemetry

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide logger: a console-encoded, leveled
// logger; nop==true returns a logger that discards all output (selected
// by the binaries' --quiet flag).
func NewLogger(nop bool) (*zap.SugaredLogger, error) {
	if nop {
		return zap.NewNop().Sugar(), nil
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
