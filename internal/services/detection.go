package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/claimwatch/claimwatch-drift/internal/engine"
	"github.com/claimwatch/claimwatch-drift/internal/metrics"
	"github.com/claimwatch/claimwatch-drift/internal/models"
	"github.com/claimwatch/claimwatch-drift/internal/utils"
)

// DetectionService is the facade callers go through to run drift detection.
// It wraps the pipeline with run metrics and latency accounting; the
// scheduler and the CLI both invoke it rather than the pipeline directly.
type DetectionService struct {
	logger    *slog.Logger
	pipeline  *engine.Pipeline
	latencies *utils.LatencyTracker
}

// NewDetectionService constructs the detection facade.
func NewDetectionService(logger *slog.Logger, pipeline *engine.Pipeline) *DetectionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DetectionService{
		logger:    logger,
		pipeline:  pipeline,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Detect runs one detection pass and records its outcome. The report is
// returned even on failure so callers can surface partial context.
func (s *DetectionService) Detect(ctx context.Context, req models.DetectionRequest) (models.RunReport, error) {
	start := time.Now()
	report, err := s.pipeline.Run(ctx, req)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveRun(duration, metrics.OutcomeError)
		s.logger.Error("detection run failed",
			slog.String("run_id", report.RunID),
			slog.String("tenant_id", req.TenantID),
			slog.Bool("transient", utils.IsTransient(err)),
			slog.Any("error", err))
		return report, err
	}

	s.latencies.Observe(duration)
	metrics.ObserveRun(duration, metrics.OutcomeSuccess)
	metrics.CountInsufficientData(report.InsufficientData)
	for i := 0; i < report.Notified; i++ {
		metrics.CountNotification(true)
	}
	for i := 0; i < report.Suppressed; i++ {
		metrics.CountNotification(false)
	}

	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		p95 := s.latencies.Percentile(95)
		s.logger.Info("detection latency", slog.Duration("p95", p95), slog.Int("samples", count))
	}

	return report, nil
}

// LatencyP95 returns the current p95 detection run latency.
func (s *DetectionService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
