package sweeptesting

import (
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
)

// Epoch is the wall-clock origin used by fake clocks in tests.
var Epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// NewLogger returns a logger that is silent unless DEBUG=1 (info) or DEBUG=2 (debug).
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewFakeClock returns a fake clock set to Epoch.
func NewFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}
