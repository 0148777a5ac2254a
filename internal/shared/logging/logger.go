// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package logging

import (
	"log/slog"
	"os"
)

// New returns a slog.Logger configured for structured, JSON-oriented output.
func New(subsystem string) *slog.Logger {
	return NewWithLevel(subsystem, slog.LevelInfo)
}

// NewWithLevel is New with an explicit minimum level, used by the debug flag.
func NewWithLevel(subsystem string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true, Level: level})
	return slog.New(handler).With("subsystem", subsystem)
}
