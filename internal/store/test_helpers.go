package store

import (
	"os"
	"testing"
)

// setupTempStore opens a Store inside a fresh temp directory, registering
// cleanup so callers don't need to track the directory themselves.
func setupTempStore(tb testing.TB, opts ...Option) (*Store, string) {
	tb.Helper()

	dir, err := os.MkdirTemp("", "linecask_test_*")
	if err != nil {
		tb.Fatalf("MkdirTemp failed: %v", err)
	}

	st, err := Open(dir, opts...)
	if err != nil {
		_ = os.RemoveAll(dir)
		tb.Fatalf("Open(%q) failed: %v", dir, err)
	}

	tb.Cleanup(func() {
		_ = st.Close()
		_ = os.RemoveAll(dir)
	})

	return st, dir
}
