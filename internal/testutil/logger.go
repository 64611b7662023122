// Package testutil carries small helpers shared by package tests.
package testutil

import (
	"io"
	"log/slog"
	"testing"
)

// Logger returns a logger that discards output so test runs stay quiet.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
