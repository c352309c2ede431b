// Package errutil funnels errors that are logged rather than returned.
//
// The cache swallows a class of filesystem errors on purpose (mtime stamps,
// temp file cleanup) to stay responsive; every such swallow goes through
// this package so none disappears silently.
package errutil

import (
	"log/slog"
)

// LogMsg logs the error as a warning with a custom message if it is not nil.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Warn(msg, allArgs...)
	}
}

// ReportError logs an unexpected error. It funnels errors through a
// centralized reporting mechanism (currently slog).
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Error(msg, allArgs...)
	}
}
