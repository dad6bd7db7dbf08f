// Package notify delivers cleared drift signals downstream. The engine only
// depends on the Notifier contract in package engine; this package holds the
// concrete sinks.
package notify

import (
	"context"
	"log/slog"

	"github.com/claimwatch/claimwatch-drift/internal/models"
)

// LogNotifier emits drift signals as structured log records. It is the
// default sink; alerting integrations consume the log stream.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, sig models.DriftSignal) error {
	n.logger.Warn("drift signal",
		slog.String("signal_uid", sig.SignalUID),
		slog.String("tenant_id", sig.TenantID),
		slog.String("payer", sig.Payer),
		slog.String("procedure_group", sig.ProcedureGroup),
		slog.String("metric", string(sig.Metric)),
		slog.String("window", sig.Window.String()),
		slog.Float64("observed", sig.Observed),
		slog.Float64("baseline", sig.BaselineValue),
		slog.Float64("delta", sig.Delta),
		slog.Float64("severity", sig.Severity),
	)
	return nil
}
