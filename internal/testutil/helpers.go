package testutil

import (
	"io"
	"log/slog"
	"testing"

	"github.com/holiman/uint256"
)

// DiscardLogger returns an slog.Logger that writes to io.Discard.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MustUint parses a decimal string into a uint256, failing the test on error.
func MustUint(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return v
}
