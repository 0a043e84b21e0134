// SPDX-License-Identifier: Apache-2.0

// Package logging provides the structured logger shared by the CLI and the
// sync engine.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// New builds a logger writing to stdout at the given level ("debug", "info",
// "warn", "error"). An unrecognized level falls back to info.
func New(level string) *log.Logger {
	return log.NewWithOptions(os.Stdout, log.Options{
		Level:           parseLevel(level),
		ReportTimestamp: true,
		ReportCaller:    false,
	})
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
