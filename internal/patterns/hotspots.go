// Package patterns mines recurring drift out of historical signals. A payer
// that keeps tripping different procedure groups or metric variants is a
// hotspot worth a human look even when each individual signal was modest.
package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/claimwatch/claimwatch-drift/internal/models"
	"github.com/claimwatch/claimwatch-drift/internal/repo"
)

// Miner aggregates drift signals per payer into hotspot summaries.
type Miner struct {
	signals repo.Signals
	logger  *slog.Logger
}

// NewMiner constructs a Miner over the signal read side.
func NewMiner(logger *slog.Logger, signals repo.Signals) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{signals: signals, logger: logger}
}

// Mine summarises signals detected since the given instant into per-payer
// hotspots, ordered by signal count. limit bounds how many signals are read,
// not how many hotspots come back.
func (m *Miner) Mine(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.DriftHotspot, error) {
	signals, err := m.signals.ListSignals(ctx, tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	if len(signals) == 0 {
		return nil, nil
	}

	payerStats := make(map[string]*payerAggregate)
	for _, sig := range signals {
		agg, ok := payerStats[sig.Payer]
		if !ok {
			agg = &payerAggregate{
				metrics: make(map[models.MetricType]struct{}),
				groups:  make(map[string]struct{}),
			}
			payerStats[sig.Payer] = agg
		}
		agg.count++
		if sig.Severity > agg.maxSeverity {
			agg.maxSeverity = sig.Severity
		}
		if sig.DetectedAt.After(agg.lastSeen) {
			agg.lastSeen = sig.DetectedAt
		}
		agg.metrics[sig.Metric] = struct{}{}
		agg.groups[sig.ProcedureGroup] = struct{}{}
	}

	hotspots := make([]models.DriftHotspot, 0, len(payerStats))
	for payer, agg := range payerStats {
		hotspots = append(hotspots, models.DriftHotspot{
			TenantID:        tenantID,
			Payer:           payer,
			SignalCount:     agg.count,
			MaxSeverity:     agg.maxSeverity,
			Metrics:         sortedMetrics(agg.metrics),
			ProcedureGroups: sortedKeys(agg.groups),
			LastSeen:        agg.lastSeen,
		})
	}

	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].SignalCount != hotspots[j].SignalCount {
			return hotspots[i].SignalCount > hotspots[j].SignalCount
		}
		return hotspots[i].Payer < hotspots[j].Payer
	})

	m.logger.Debug("mined drift hotspots",
		slog.String("tenant_id", tenantID),
		slog.Int("signals", len(signals)),
		slog.Int("hotspots", len(hotspots)))
	return hotspots, nil
}

type payerAggregate struct {
	count       int
	maxSeverity float64
	lastSeen    time.Time
	metrics     map[models.MetricType]struct{}
	groups      map[string]struct{}
}

func sortedMetrics(set map[models.MetricType]struct{}) []models.MetricType {
	out := make([]models.MetricType, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
