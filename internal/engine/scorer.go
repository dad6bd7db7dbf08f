package engine

import (
	"math"

	"github.com/claimwatch/claimwatch-drift/internal/models"
)

// Thresholds are the resolved detection parameters for one dimension, after
// any override pack entries have been applied.
type Thresholds struct {
	MinSampleSize         int64
	RateAbsoluteFloor     float64
	RateZMultiplier       float64
	DelaySpreadMultiplier float64
	DelayAbsoluteDays     float64
}

// Assessment is the scoring outcome for one metric on one dimension.
type Assessment struct {
	Metric         models.MetricType
	Classification models.Classification
	Observed       float64
	BaselineValue  float64
	Delta          float64
	Threshold      float64
	Severity       float64
}

// assessRate scores a proportion (denial rate or denial share) against its
// baseline. The threshold is the larger of the absolute floor and a z
// multiple of the pooled two-proportion standard error, so small samples
// need a bigger swing to alert while the floor keeps huge samples from
// alerting on noise-level shifts.
func assessRate(metric models.MetricType, observed, baseline, nCurrent, nBaseline float64, t Thresholds) Assessment {
	a := Assessment{
		Metric:        metric,
		Observed:      observed,
		BaselineValue: baseline,
		Delta:         observed - baseline,
	}

	if nCurrent < float64(t.MinSampleSize) || nBaseline < float64(t.MinSampleSize) {
		a.Classification = models.ClassificationInsufficient
		return a
	}

	threshold := t.RateAbsoluteFloor
	pooled := (observed*nCurrent + baseline*nBaseline) / (nCurrent + nBaseline)
	se := math.Sqrt(pooled * (1 - pooled) * (1/nCurrent + 1/nBaseline))
	if z := t.RateZMultiplier * se; z > threshold {
		threshold = z
	}
	a.Threshold = threshold

	if math.Abs(a.Delta) > threshold {
		a.Classification = models.ClassificationAnomalous
		a.Severity = severityFor(a.Delta, threshold)
	} else {
		a.Classification = models.ClassificationNormal
	}
	return a
}

// assessTiming scores mean days-to-decision against its baseline. The
// threshold is a multiple of the baseline spread; a flat baseline with no
// spread falls back to the absolute day threshold.
func assessTiming(observed, baselineMean, baselineStdDev, nCurrent, nBaseline float64, t Thresholds) Assessment {
	a := Assessment{
		Metric:        models.MetricPaymentDelay,
		Observed:      observed,
		BaselineValue: baselineMean,
		Delta:         observed - baselineMean,
	}

	if nCurrent < float64(t.MinSampleSize) || nBaseline < float64(t.MinSampleSize) {
		a.Classification = models.ClassificationInsufficient
		return a
	}

	threshold := t.DelayAbsoluteDays
	if baselineStdDev > 0 {
		threshold = t.DelaySpreadMultiplier * baselineStdDev
	}
	a.Threshold = threshold

	if math.Abs(a.Delta) > threshold {
		a.Classification = models.ClassificationAnomalous
		a.Severity = severityFor(a.Delta, threshold)
	} else {
		a.Classification = models.ClassificationNormal
	}
	return a
}

// severityFor maps how far past the threshold the delta landed onto [0, 1].
// Severity 1.0 means the excursion reached three times the threshold.
func severityFor(delta, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	s := (math.Abs(delta) - threshold) / (2 * threshold)
	return math.Min(math.Max(s, 0), 1)
}
