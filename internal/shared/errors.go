// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// ErrorContainsAny reports whether the error text contains any of the markers,
// ignoring case.
func ErrorContainsAny(err error, markers ...string) bool {
	if err == nil {
		return false
	}
	text := strings.ToUpper(err.Error())
	for _, m := range markers {
		if m != "" && strings.Contains(text, strings.ToUpper(m)) {
			return true
		}
	}
	return false
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error. Both are SQLite concurrency errors
// that typically warrant retry logic.
func IsSQLiteConflictError(err error) bool {
	return ErrorContainsAny(err, "SQLITE_BUSY", "database is locked")
}
