package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorContainsAny(t *testing.T) {
	err := errors.New("googleapi: Error 429: Resource has been exhausted (e.g. check quota)")

	if !ErrorContainsAny(err, "resource_exhausted", "QUOTA") {
		t.Fatal("expected case-insensitive quota marker to match")
	}
	if ErrorContainsAny(err, "unauthenticated") {
		t.Fatal("unexpected match for absent marker")
	}
	if ErrorContainsAny(nil, "429") {
		t.Fatal("nil error must never match")
	}
	if ErrorContainsAny(err, "") {
		t.Fatal("empty marker must not match everything")
	}
}

func TestIsSQLiteConflictError(t *testing.T) {
	wrapped := fmt.Errorf("commit: %w", errors.New("database is locked (5) (SQLITE_BUSY)"))
	if !IsSQLiteConflictError(wrapped) {
		t.Fatal("expected wrapped busy error to be a conflict")
	}
	if IsSQLiteConflictError(errors.New("no such table: records")) {
		t.Fatal("schema error is not a conflict")
	}
}
