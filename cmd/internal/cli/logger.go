// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli holds helpers shared by the atelier command-line tools.
package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewLogger creates the structured logger for CLI commands. When
// stderr is a terminal it uses a text handler for human-readable
// output; when piped or redirected (CI, scripts) it switches to JSON
// so the output matches the daemon's log format.
func NewLogger() *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
