package engine

import (
	"github.com/claimwatch/claimwatch-drift/internal/models"
)

// DimensionContext carries everything a comparator needs to assess one
// (payer, procedure group) dimension: the current window aggregate, the
// payer-wide denial total for share computation, the baseline values to
// compare against, and the resolved thresholds.
type DimensionContext struct {
	Aggregate        models.WindowAggregate
	PayerDeniedTotal int64
	Baseline         models.BaselineValues
	Thresholds       Thresholds
}

// Comparator scores one metric variant over a dimension. Implementations are
// stateless; the pipeline fans each dimension across all registered
// comparators.
type Comparator interface {
	Metric() models.MetricType
	Assess(dc DimensionContext) Assessment
}

// DefaultComparators returns the full variant set in deterministic order.
func DefaultComparators() []Comparator {
	return []Comparator{
		DenialRateComparator{},
		DenialMixComparator{},
		PaymentDelayComparator{},
	}
}

// DenialRateComparator tracks the dimension's denial rate drifting from its
// baseline rate.
type DenialRateComparator struct{}

func (DenialRateComparator) Metric() models.MetricType { return models.MetricDenialRate }

func (DenialRateComparator) Assess(dc DimensionContext) Assessment {
	return assessRate(models.MetricDenialRate,
		dc.Aggregate.DenialRate(), dc.Baseline.DenialRate,
		float64(dc.Aggregate.TotalClaims), dc.Baseline.SampleSize,
		dc.Thresholds)
}

// DenialMixComparator tracks the dimension's share of the payer's total
// denials. A stable denial rate can still hide a mix shift: a payer denying
// the same overall volume but concentrating it on one procedure group.
type DenialMixComparator struct{}

func (DenialMixComparator) Metric() models.MetricType { return models.MetricDenialMix }

func (c DenialMixComparator) Assess(dc DimensionContext) Assessment {
	if dc.PayerDeniedTotal < dc.Thresholds.MinSampleSize {
		return Assessment{
			Metric:         models.MetricDenialMix,
			Classification: models.ClassificationInsufficient,
			BaselineValue:  dc.Baseline.DenialShare,
		}
	}
	share := float64(dc.Aggregate.DeniedClaims) / float64(dc.PayerDeniedTotal)
	return assessRate(models.MetricDenialMix,
		share, dc.Baseline.DenialShare,
		float64(dc.PayerDeniedTotal), dc.Baseline.DeniedSampleSize,
		dc.Thresholds)
}

// PaymentDelayComparator tracks mean days-to-decision drifting from the
// baseline mean. Only decided claims count toward the sample.
type PaymentDelayComparator struct{}

func (PaymentDelayComparator) Metric() models.MetricType { return models.MetricPaymentDelay }

func (PaymentDelayComparator) Assess(dc DimensionContext) Assessment {
	return assessTiming(
		dc.Aggregate.DaysToDecisionMean,
		dc.Baseline.MeanDaysToDecision, dc.Baseline.DaysToDecisionStdDev,
		float64(dc.Aggregate.DecidedClaims), dc.Baseline.DecidedSampleSize,
		dc.Thresholds)
}
