package testutil

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/i5heu/ouroboros-ec/pkg/logging"
)

var (
	RunLong = flag.Bool("long", false, "run long/heavy tests")
	Verbose = flag.Bool("cluster-logs", false, "print node logs in cluster tests")
)

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// Logger returns a logger for tests. It discards output unless
// -cluster-logs is set.
func Logger() *slog.Logger {
	if *Verbose {
		return logging.New(os.Stderr, slog.LevelDebug, true)
	}
	return logging.New(io.Discard, slog.LevelError, true)
}
