package dqenginetest

import (
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"
)

// Logger returns a *slog.Logger that writes through t.Log, so a failing
// test shows the engine's debug-level flag-transition log lines
// interleaved with its assertions instead of in a separate, easily-missed
// stream.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return slogt.New(t)
}
