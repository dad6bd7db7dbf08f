package models

import (
	"fmt"
	"time"
)

// UnknownBucket collects claims whose payer or procedure group survived
// ingestion without a usable normalized value. Claims are never dropped for
// bad dimension values; they land here instead.
const UnknownBucket = "UNKNOWN"

// ClaimOutcome enumerates adjudication outcomes on a claim fact.
type ClaimOutcome string

const (
	OutcomePaid    ClaimOutcome = "paid"
	OutcomeDenied  ClaimOutcome = "denied"
	OutcomePending ClaimOutcome = "pending"
)

// ClaimFact is a single adjudicated or in-flight claim as recorded by
// ingestion. This engine only reads claim facts; ingestion owns them.
// DecidedAt, when set, is never before SubmittedAt, and paid/denied outcomes
// always carry a decision date.
type ClaimFact struct {
	ID             int64
	TenantID       string
	Payer          string
	ProcedureGroup string
	Outcome        ClaimOutcome
	SubmittedAt    time.Time
	DecidedAt      *time.Time
}

// Window is a bounded, half-open time range [Start, End) over which claims
// are aggregated.
type Window struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the window has a positive extent.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.End.After(w.Start)
}

// Key renders a stable identifier for the window, used in signal uniqueness
// keys and cache keys.
func (w Window) Key() string {
	return fmt.Sprintf("%d-%d", w.Start.Unix(), w.End.Unix())
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// WindowAggregate is the per-(payer, procedure group) rollup of claim facts
// inside one window. It is computed entirely in the data store and is
// regenerable from claim facts at any time.
type WindowAggregate struct {
	TenantID       string
	Payer          string
	ProcedureGroup string
	Window         Window

	TotalClaims   int64
	DeniedClaims  int64
	DecidedClaims int64

	// Days-to-decision statistics over decided claims only.
	DaysToDecisionSum    float64
	DaysToDecisionMin    float64
	DaysToDecisionMax    float64
	DaysToDecisionMean   float64
	DaysToDecisionStdDev float64
}

// DenialRate returns denied/total for the window, zero when the window holds
// no claims.
func (a WindowAggregate) DenialRate() float64 {
	if a.TotalClaims == 0 {
		return 0
	}
	return float64(a.DeniedClaims) / float64(a.TotalClaims)
}

// BaselineValues carries the comparable reference statistics for one
// (payer, procedure group) dimension. Each statistic keeps the sample size it
// was computed over so variance-aware thresholds compare commensurate
// samples: SampleSize backs the denial rate, DeniedSampleSize the denial
// share, DecidedSampleSize the timing statistics.
type BaselineValues struct {
	DenialRate           float64
	DenialShare          float64
	MeanDaysToDecision   float64
	DaysToDecisionStdDev float64

	SampleSize        float64 // total claims in the dimension
	DeniedSampleSize  float64 // payer-wide denial volume behind DenialShare
	DecidedSampleSize float64 // decided claims behind the timing statistics
}

// Baseline is the rolling historical reference a current window is compared
// against. Prev holds the values as they stood before the most recent window
// was absorbed, so a re-run of that window compares against the baseline it
// was originally scored with instead of one that already chased the drift.
type Baseline struct {
	TenantID       string
	Payer          string
	ProcedureGroup string

	Current BaselineValues
	Prev    *BaselineValues

	LastWindowEnd time.Time
	UpdatedAt     time.Time
}

// Covers reports whether the baseline already reflects the given window.
func (b Baseline) Covers(w Window) bool {
	return !b.LastWindowEnd.Before(w.End)
}

// BaselineKey joins payer and procedure group into the map key used for
// baseline snapshots.
func BaselineKey(payer, procedureGroup string) string {
	return payer + "|" + procedureGroup
}
