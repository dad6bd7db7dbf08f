package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/claimwatch/claimwatch-drift/internal/config"
	"github.com/claimwatch/claimwatch-drift/internal/metrics"
	"github.com/claimwatch/claimwatch-drift/internal/models"
	"github.com/claimwatch/claimwatch-drift/internal/repo"
	"github.com/claimwatch/claimwatch-drift/internal/utils"
)

// Notifier delivers a drift signal downstream once the suppression gate
// clears it.
type Notifier interface {
	Notify(ctx context.Context, sig models.DriftSignal) error
}

// SuppressionGate decides whether a signal may notify right now. TryAcquire
// must be atomic: of two concurrent runs surfacing the same signal, exactly
// one acquires.
type SuppressionGate interface {
	TryAcquire(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, error)
}

// Pipeline orchestrates one detection run: aggregate the window, compare
// every dimension against its baseline across all metric variants, emit
// deduplicated drift signals, absorb the window into the baselines, then
// notify whatever the cooldown gate lets through.
type Pipeline struct {
	logger      *slog.Logger
	claims      repo.Claims
	store       repo.Store
	comparators []Comparator
	overrides   *Overrides
	gate        SuppressionGate
	notifier    Notifier
	cfg         config.DetectionConfig

	now    func() time.Time
	newUID func() string
}

// NewPipeline constructs a detection pipeline. overrides, gate, and notifier
// may be nil; detection then runs with configured defaults and without
// notification.
func NewPipeline(
	logger *slog.Logger,
	claims repo.Claims,
	store repo.Store,
	cfg config.DetectionConfig,
	overrides *Overrides,
	gate SuppressionGate,
	notifier Notifier,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:      logger,
		claims:      claims,
		store:       store,
		comparators: DefaultComparators(),
		overrides:   overrides,
		gate:        gate,
		notifier:    notifier,
		cfg:         cfg,
		now:         time.Now,
		newUID:      uuid.NewString,
	}
}

func (p *Pipeline) baseThresholds() Thresholds {
	return Thresholds{
		MinSampleSize:         p.cfg.MinSampleSize,
		RateAbsoluteFloor:     p.cfg.RateAbsoluteFloor,
		RateZMultiplier:       p.cfg.RateZMultiplier,
		DelaySpreadMultiplier: p.cfg.DelaySpreadMultiplier,
		DelayAbsoluteDays:     p.cfg.DelayAbsoluteDays,
	}
}

// pendingNotification pairs a committed signal with its resolved cooldown.
type pendingNotification struct {
	signal   models.DriftSignal
	cooldown time.Duration
}

// Run executes one detection run for the request's tenant and window. All
// signal and baseline writes commit atomically; notification happens after
// commit so a notified signal always exists in storage.
func (p *Pipeline) Run(ctx context.Context, req models.DetectionRequest) (models.RunReport, error) {
	started := p.now()
	report := models.RunReport{
		RunID:     p.newUID(),
		TenantID:  req.TenantID,
		Window:    req.Window,
		Status:    models.RunFailed,
		StartedAt: started,
	}

	if req.TenantID == "" {
		return p.fail(report, utils.E("pipeline.run", utils.KindFatal, "tenant id is required", nil))
	}
	if !req.Window.Valid() {
		return p.fail(report, utils.E("pipeline.run", utils.KindFatal,
			fmt.Sprintf("invalid window %s", req.Window), nil))
	}
	if req.SeedWindow != nil && !req.SeedWindow.Valid() {
		return p.fail(report, utils.E("pipeline.run", utils.KindFatal,
			fmt.Sprintf("invalid seed window %s", *req.SeedWindow), nil))
	}

	logger := p.logger.With(
		slog.String("run_id", report.RunID),
		slog.String("tenant_id", req.TenantID),
		slog.String("window", req.Window.String()),
	)

	aggs, err := p.claims.AggregateWindow(ctx, req.TenantID, req.Window)
	if err != nil {
		return p.fail(report, err)
	}
	report.Dimensions = len(aggs)

	var seedAggs map[string]models.WindowAggregate
	if req.SeedWindow != nil {
		seeds, err := p.claims.AggregateWindow(ctx, req.TenantID, *req.SeedWindow)
		if err != nil {
			return p.fail(report, err)
		}
		seedAggs = make(map[string]models.WindowAggregate, len(seeds))
		for _, agg := range seeds {
			seedAggs[models.BaselineKey(agg.Payer, agg.ProcedureGroup)] = agg
		}
	}

	tx, err := p.store.BeginRun(ctx, req.TenantID)
	if err != nil {
		return p.fail(report, err)
	}
	defer tx.Rollback()

	baselines, err := tx.Baselines(ctx, req.TenantID)
	if err != nil {
		return p.fail(report, err)
	}

	deniedByPayer := make(map[string]int64)
	for _, agg := range aggs {
		deniedByPayer[agg.Payer] += agg.DeniedClaims
	}
	seedDeniedByPayer := make(map[string]int64)
	for _, agg := range seedAggs {
		seedDeniedByPayer[agg.Payer] += agg.DeniedClaims
	}

	// The store orders aggregates already; sorting again keeps runs
	// deterministic with any Claims implementation.
	sort.Slice(aggs, func(i, j int) bool {
		if aggs[i].Payer != aggs[j].Payer {
			return aggs[i].Payer < aggs[j].Payer
		}
		return aggs[i].ProcedureGroup < aggs[j].ProcedureGroup
	})

	now := p.now()
	var pending []pendingNotification

	for _, agg := range aggs {
		key := models.BaselineKey(agg.Payer, agg.ProcedureGroup)
		baseline, hasBaseline := baselines[key]

		compare, skipUpdate := p.comparisonValues(baseline, hasBaseline, req.Window, seedAggs, seedDeniedByPayer, key)

		if compare != nil {
			created, err := p.assessDimension(ctx, tx, agg, deniedByPayer[agg.Payer], *compare, now, &report)
			if err != nil {
				return p.fail(report, err)
			}
			pending = append(pending, created...)
		}
		if !hasBaseline {
			report.BaselinesSeeded++
		}

		if !skipUpdate {
			updated := nextBaseline(baseline, hasBaseline, agg, deniedByPayer[agg.Payer], req.Window, p.cfg.BaselineAlpha, now)
			if !hasBaseline && compare != nil {
				// Seeded from a seed window and already compared; keep the
				// seed values as the snapshot so a re-run compares against
				// them too.
				prev := *compare
				updated.Prev = &prev
			}
			if err := tx.UpsertBaseline(ctx, updated); err != nil {
				return p.fail(report, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return p.fail(report, err)
	}

	p.notify(ctx, logger, pending, now, &report)

	report.Status = models.RunSucceeded
	report.CompletedAt = p.now()
	logger.Info("detection run completed",
		slog.Int("dimensions", report.Dimensions),
		slog.Int("anomalous", report.Anomalous),
		slog.Int("insufficient_data", report.InsufficientData),
		slog.Int("signals_created", report.SignalsCreated),
		slog.Int("signals_updated", report.SignalsUpdated),
		slog.Int("notified", report.Notified),
		slog.Int("suppressed", report.Suppressed),
	)
	return report, nil
}

// comparisonValues picks the baseline values the current window compares
// against, or nil when no comparison is possible. It also reports whether
// the baseline update must be skipped because this window was already
// absorbed, which keeps re-runs idempotent: the second run of a window
// scores against the same values the first one did and absorbs nothing.
func (p *Pipeline) comparisonValues(
	baseline models.Baseline,
	hasBaseline bool,
	w models.Window,
	seedAggs map[string]models.WindowAggregate,
	seedDeniedByPayer map[string]int64,
	key string,
) (*models.BaselineValues, bool) {
	if hasBaseline && baseline.Covers(w) {
		if baseline.Prev != nil {
			return baseline.Prev, true
		}
		// This window seeded the baseline; nothing to compare against.
		return nil, true
	}
	if hasBaseline {
		current := baseline.Current
		return &current, false
	}
	if seed, ok := seedAggs[key]; ok {
		values := baselineValuesFrom(seed, seedDeniedByPayer[seed.Payer])
		return &values, false
	}
	return nil, false
}

// assessDimension fans one dimension across all comparators, persisting a
// signal per anomalous assessment and queueing it for notification.
func (p *Pipeline) assessDimension(
	ctx context.Context,
	tx repo.RunTx,
	agg models.WindowAggregate,
	payerDeniedTotal int64,
	baseline models.BaselineValues,
	now time.Time,
	report *models.RunReport,
) ([]pendingNotification, error) {
	var pending []pendingNotification

	for _, comparator := range p.comparators {
		thresholds, cooldown := p.overrides.Resolve(
			agg.TenantID, agg.Payer, comparator.Metric(), p.baseThresholds(), p.cfg.Cooldown)

		assessment := comparator.Assess(DimensionContext{
			Aggregate:        agg,
			PayerDeniedTotal: payerDeniedTotal,
			Baseline:         baseline,
			Thresholds:       thresholds,
		})

		switch assessment.Classification {
		case models.ClassificationInsufficient:
			report.InsufficientData++
			continue
		case models.ClassificationNormal:
			continue
		}
		report.Anomalous++

		sig := models.DriftSignal{
			SignalUID:      p.newUID(),
			TenantID:       agg.TenantID,
			Window:         agg.Window,
			Payer:          agg.Payer,
			ProcedureGroup: agg.ProcedureGroup,
			Metric:         assessment.Metric,
			Observed:       assessment.Observed,
			BaselineValue:  assessment.BaselineValue,
			Delta:          assessment.Delta,
			Severity:       assessment.Severity,
			Status:         models.SignalActive,
			DetectedAt:     now,
			UpdatedAt:      now,
		}

		stored, created, err := tx.CreateOrFetchSignal(ctx, sig)
		if err != nil {
			return nil, err
		}
		if created {
			report.SignalsCreated++
			metrics.CountSignal(string(stored.Metric))
		} else if diff := assessment.Severity - stored.Severity; diff > p.cfg.SeverityUpdateEpsilon || diff < -p.cfg.SeverityUpdateEpsilon {
			// The dimension was already flagged for this window by an
			// earlier run. Refresh the assessment only when it moved
			// materially, so re-runs over unchanged data leave the row
			// untouched.
			if err := tx.UpdateSignalAssessment(ctx, stored.ID,
				assessment.Observed, assessment.BaselineValue,
				assessment.Delta, assessment.Severity, now); err != nil {
				return nil, err
			}
			stored.Observed = assessment.Observed
			stored.BaselineValue = assessment.BaselineValue
			stored.Delta = assessment.Delta
			stored.Severity = assessment.Severity
			stored.UpdatedAt = now
			report.SignalsUpdated++
		}

		// Fetched signals queue too: the still-drifting dimension is a fresh
		// notification opportunity once its cooldown lapses, and inside the
		// cooldown the gate suppresses it anyway.
		pending = append(pending, pendingNotification{signal: stored, cooldown: cooldown})
	}
	return pending, nil
}

// notify runs after commit. Gate acquisition failures never fail the run;
// the signals are already durable.
func (p *Pipeline) notify(ctx context.Context, logger *slog.Logger, pending []pendingNotification, now time.Time, report *models.RunReport) {
	if p.gate == nil || p.notifier == nil {
		return
	}

	for _, pn := range pending {
		acquired, err := p.gate.TryAcquire(ctx, pn.signal.CooldownKey(), now, pn.cooldown)
		if err != nil {
			logger.Warn("suppression gate unavailable, notifying anyway",
				slog.String("signal", pn.signal.CooldownKey()), slog.Any("error", err))
		}
		if !acquired {
			report.Suppressed++
			continue
		}
		if err := p.notifier.Notify(ctx, pn.signal); err != nil {
			logger.Error("notification failed",
				slog.String("signal", pn.signal.CooldownKey()), slog.Any("error", err))
			continue
		}
		report.Notified++
	}
}

// baselineValuesFrom lifts a window aggregate into baseline value form.
func baselineValuesFrom(agg models.WindowAggregate, payerDeniedTotal int64) models.BaselineValues {
	share := 0.0
	if payerDeniedTotal > 0 {
		share = float64(agg.DeniedClaims) / float64(payerDeniedTotal)
	}
	return models.BaselineValues{
		DenialRate:           agg.DenialRate(),
		DenialShare:          share,
		MeanDaysToDecision:   agg.DaysToDecisionMean,
		DaysToDecisionStdDev: agg.DaysToDecisionStdDev,
		SampleSize:           float64(agg.TotalClaims),
		DeniedSampleSize:     float64(payerDeniedTotal),
		DecidedSampleSize:    float64(agg.DecidedClaims),
	}
}

// nextBaseline absorbs the window into the baseline with an exponentially
// weighted update. Alpha 1.0 degenerates to previous-window replacement. The
// pre-update values are snapshotted so a re-run of this window can compare
// against what this run compared against.
func nextBaseline(b models.Baseline, hasBaseline bool, agg models.WindowAggregate, payerDeniedTotal int64, w models.Window, alpha float64, now time.Time) models.Baseline {
	values := baselineValuesFrom(agg, payerDeniedTotal)

	if !hasBaseline {
		return models.Baseline{
			TenantID:       agg.TenantID,
			Payer:          agg.Payer,
			ProcedureGroup: agg.ProcedureGroup,
			Current:        values,
			LastWindowEnd:  w.End,
			UpdatedAt:      now,
		}
	}

	prev := b.Current
	b.Prev = &prev
	b.Current = models.BaselineValues{
		DenialRate:           ewma(alpha, values.DenialRate, prev.DenialRate),
		DenialShare:          ewma(alpha, values.DenialShare, prev.DenialShare),
		MeanDaysToDecision:   ewma(alpha, values.MeanDaysToDecision, prev.MeanDaysToDecision),
		DaysToDecisionStdDev: ewma(alpha, values.DaysToDecisionStdDev, prev.DaysToDecisionStdDev),
		SampleSize:           ewma(alpha, values.SampleSize, prev.SampleSize),
		DeniedSampleSize:     ewma(alpha, values.DeniedSampleSize, prev.DeniedSampleSize),
		DecidedSampleSize:    ewma(alpha, values.DecidedSampleSize, prev.DecidedSampleSize),
	}
	b.LastWindowEnd = w.End
	b.UpdatedAt = now
	return b
}

func ewma(alpha, current, old float64) float64 {
	return alpha*current + (1-alpha)*old
}

func (p *Pipeline) fail(report models.RunReport, err error) (models.RunReport, error) {
	report.Status = models.RunFailed
	report.Error = err.Error()
	report.CompletedAt = p.now()
	return report, err
}
