package models

import (
	"errors"
	"testing"
)

func TestSqliteDSN(t *testing.T) {
	tests := []struct {
		in, expected string
	}{
		{"issuehub.db", "issuehub.db?_busy_timeout=5000&_txlock=immediate"},
		{"file:issuehub.db?cache=shared", "file:issuehub.db?cache=shared&_busy_timeout=5000&_txlock=immediate"},
		{"issuehub.db?_busy_timeout=100", "issuehub.db?_busy_timeout=100&_txlock=immediate"},
		{"issuehub.db?_busy_timeout=100&_txlock=deferred", "issuehub.db?_busy_timeout=100&_txlock=deferred"},
	}
	for _, tt := range tests {
		if got := sqliteDSN(tt.in); got != tt.expected {
			t.Errorf("sqliteDSN(%q) = %q, expected %q", tt.in, got, tt.expected)
		}
	}
}

func TestIsBusy(t *testing.T) {
	if !IsBusy(errors.New("database is locked")) {
		t.Error("expected a locked database to be busy")
	}
	if !IsBusy(errors.New("SQLITE_BUSY: cannot commit")) {
		t.Error("expected SQLITE_BUSY to be busy")
	}
	if IsBusy(errors.New("UNIQUE constraint failed: issues.issue_number")) {
		t.Error("a unique violation is not a busy error")
	}
	if IsBusy(nil) {
		t.Error("nil is not a busy error")
	}
}
