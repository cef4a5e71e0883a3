package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. JSON output keeps audit
// lines machine-parseable for downstream compliance tooling.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
