// Package scheduler drives periodic detection runs across the tenant fleet.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/claimwatch/claimwatch-drift/internal/config"
	"github.com/claimwatch/claimwatch-drift/internal/models"
	"github.com/claimwatch/claimwatch-drift/internal/repo"
	"github.com/claimwatch/claimwatch-drift/internal/utils"
)

// Runner executes one detection run. DetectionService satisfies it.
type Runner interface {
	Detect(ctx context.Context, req models.DetectionRequest) (models.RunReport, error)
}

// Scheduler ticks on a fixed interval and fans detection runs across tenants
// with bounded concurrency and a global rate limit. Failed transient runs
// retry with jittered backoff inside the same tick; fatal failures do not.
type Scheduler struct {
	logger     *slog.Logger
	runner     Runner
	claims     repo.Claims
	cfg        config.SchedulerConfig
	windowDays int
	limiter    *rate.Limiter

	now func() time.Time
}

// New constructs a scheduler. windowDays controls the trailing detection
// window each tick evaluates.
func New(logger *slog.Logger, runner Runner, claims repo.Claims, cfg config.SchedulerConfig, windowDays int) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	rps := cfg.RunsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Scheduler{
		logger:     logger,
		runner:     runner,
		claims:     claims,
		cfg:        cfg,
		windowDays: windowDays,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		now:        time.Now,
	}
}

// Run ticks until the context is cancelled. The first tick fires
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs detection for every tenant over the current trailing window.
func (s *Scheduler) tick(ctx context.Context) {
	tenants, err := s.tenants(ctx)
	if err != nil {
		s.logger.Error("tenant enumeration failed", slog.Any("error", err))
		return
	}
	if len(tenants) == 0 {
		return
	}

	window := utils.TrailingWindow(s.now(), s.windowDays)
	s.logger.Info("scheduler tick",
		slog.Int("tenants", len(tenants)),
		slog.String("window", window.String()))

	concurrency := s.cfg.TenantConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tenantID string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runTenant(ctx, tenantID, window)
		}(tenantID)
	}
	wg.Wait()
}

func (s *Scheduler) tenants(ctx context.Context) ([]string, error) {
	if len(s.cfg.Tenants) > 0 {
		return s.cfg.Tenants, nil
	}
	return s.claims.ListTenants(ctx)
}

// runTenant retries transient failures up to MaxRetries. Runs are idempotent
// end to end, so a retry after a half-failed attempt is safe.
func (s *Scheduler) runTenant(ctx context.Context, tenantID string, window models.Window) {
	req := models.DetectionRequest{TenantID: tenantID, Window: window}

	for attempt := 0; ; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
		_, err := s.runner.Detect(runCtx, req)
		cancel()
		if err == nil {
			return
		}
		if !utils.IsTransient(err) || attempt >= s.cfg.MaxRetries {
			s.logger.Error("tenant run abandoned",
				slog.String("tenant_id", tenantID),
				slog.Int("attempts", attempt+1),
				slog.Any("error", err))
			return
		}

		backoff := s.cfg.RetryBackoff
		if backoff > 0 {
			backoff += time.Duration(rand.Int63n(int64(backoff)))
		}
		s.logger.Warn("tenant run retrying",
			slog.String("tenant_id", tenantID),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
