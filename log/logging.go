// Copyright The Crashwalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package log provides a public logging interface for
// github.com/crashwalk/crashwalk.
package log // import "github.com/crashwalk/crashwalk/log"

import (
	"log/slog"

	"github.com/crashwalk/crashwalk/internal/log"
)

// SetLevel configures the log level for the engine's internal logger.
func SetLevel(level slog.Level) {
	log.SetLevelLogger(level)
}

// SetLogger configures the engine's internal logger.
func SetLogger(l slog.Logger) {
	log.SetLogger(l)
}
