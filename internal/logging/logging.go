// dlb is an incremental build runtime.
// Copyright (C) 2026  dlb contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package logging builds the structured logger shared by every runtime
// component. It never reads environment variables itself; callers decide
// the level explicitly (a script launcher, a CLI flag, a test).
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a slog.Logger writing text-formatted records to stderr at
// the given level ("debug", "info", "warn" or "error"; unrecognised
// values fall back to "info").
func New(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var defaultLogger = New("info")

// Default returns the package-wide fallback logger used by components
// that are not handed an explicit *slog.Logger.
func Default() *slog.Logger { return defaultLogger }

// SetDefault overrides the fallback logger returned by Default.
func SetDefault(l *slog.Logger) {
	if l != nil {
		defaultLogger = l
	}
}
