package catalog

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/sticker-cache/telemetry"
)

// Reporter receives errors from background maintenance. Reported errors are
// never returned to callers.
type Reporter interface {
	Report(ctx context.Context, op string, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, op string, err error)

func (f ReporterFunc) Report(ctx context.Context, op string, err error) {
	f(ctx, op, err)
}

// LogReporter logs background errors and counts them.
type LogReporter struct {
	logger *slog.Logger
}

var _ Reporter = (*LogReporter)(nil)

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(ctx context.Context, op string, err error) {
	r.logger.Warn("background maintenance failed", "op", op, "error", err)
	telemetry.RecordMaintenanceError(ctx, op)
}
