package models

import (
	"fmt"
	"time"
)

// MetricType enumerates the drift product variants.
type MetricType string

const (
	// MetricDenialRate tracks payer denial-rate drift per procedure group.
	MetricDenialRate MetricType = "denial_rate"
	// MetricDenialMix tracks a procedure group's share of all denials for a
	// payer shifting against its baseline share.
	MetricDenialMix MetricType = "denial_mix"
	// MetricPaymentDelay tracks mean days-to-decision drift.
	MetricPaymentDelay MetricType = "payment_delay"
)

// Classification is the outcome of scoring one dimension. Insufficient data
// is a first-class outcome, distinct from normal and anomalous, and must be
// preserved downstream.
type Classification string

const (
	ClassificationNormal       Classification = "normal"
	ClassificationAnomalous    Classification = "anomalous"
	ClassificationInsufficient Classification = "insufficient_data"
)

// SignalStatus tracks a drift signal's lifecycle. Signals are never deleted;
// they may be suppressed or superseded but the row remains for audit.
type SignalStatus string

const (
	SignalActive     SignalStatus = "active"
	SignalSuppressed SignalStatus = "suppressed"
	SignalSuperseded SignalStatus = "superseded"
)

// DimensionKey identifies what a signal is scoped to.
type DimensionKey struct {
	Payer          string
	ProcedureGroup string
	Metric         MetricType
}

func (k DimensionKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Payer, k.ProcedureGroup, k.Metric)
}

// DriftSignal is the persisted record that a monitored metric shifted beyond
// threshold for a tenant/payer/procedure-group/window. At most one active
// signal may exist per uniqueness key.
type DriftSignal struct {
	ID        int64
	SignalUID string

	TenantID       string
	Window         Window
	Payer          string
	ProcedureGroup string
	Metric         MetricType

	Observed      float64
	BaselineValue float64
	Delta         float64
	Severity      float64

	Status     SignalStatus
	DetectedAt time.Time
	UpdatedAt  time.Time
}

// Dimension returns the signal's dimension key.
func (s DriftSignal) Dimension() DimensionKey {
	return DimensionKey{Payer: s.Payer, ProcedureGroup: s.ProcedureGroup, Metric: s.Metric}
}

// UniquenessKey is the stable identity used for storage-level deduplication:
// one signal per tenant, window, and dimension.
func (s DriftSignal) UniquenessKey() string {
	return fmt.Sprintf("%s|%s|%s", s.TenantID, s.Window.Key(), s.Dimension())
}

// CooldownKey scopes notification suppression. It deliberately omits the
// window: trailing windows shift every run, and a per-window key would let
// the same drifting dimension page on every tick.
func (s DriftSignal) CooldownKey() string {
	return fmt.Sprintf("%s|%s", s.TenantID, s.Dimension())
}

// DriftHotspot is a mined summary of recurring drift for one payer,
// produced for report consumers from historical signals.
type DriftHotspot struct {
	TenantID        string
	Payer           string
	SignalCount     int
	MaxSeverity     float64
	Metrics         []MetricType
	ProcedureGroups []string
	LastSeen        time.Time
}
