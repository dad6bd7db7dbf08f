// Package repo defines the storage contracts of the drift engine. The
// postgres subpackage provides the production implementation; tests use
// in-memory fakes.
package repo

import (
	"context"
	"time"

	"github.com/claimwatch/claimwatch-drift/internal/models"
)

// Claims is the read-only window aggregation interface over the claim store.
// Aggregation happens inside the data store; implementations must never
// materialize row-level claims in process memory.
type Claims interface {
	// AggregateWindow returns one aggregate per (payer, procedure group)
	// with at least one claim inside the window. An empty window yields an
	// empty slice, not an error.
	AggregateWindow(ctx context.Context, tenantID string, w models.Window) ([]models.WindowAggregate, error)
	// ListTenants enumerates tenants present in the claim store.
	ListTenants(ctx context.Context) ([]string, error)
}

// RunTx is the tenant-exclusive transaction one detection run operates in.
// Baseline reads, signal emission, and the baseline update all share it, so
// "did we already flag this window" and "what is the new baseline" are
// decided on a single consistent snapshot. Either Commit or Rollback must be
// called exactly once.
type RunTx interface {
	// Baselines snapshots every baseline of the tenant, keyed by
	// models.BaselineKey.
	Baselines(ctx context.Context, tenantID string) (map[string]models.Baseline, error)
	UpsertBaseline(ctx context.Context, b models.Baseline) error
	// CreateOrFetchSignal idempotently inserts the signal under the
	// uniqueness constraint on (tenant, window, dimension, metric). When the
	// row already exists it is fetched instead; created reports which
	// happened.
	CreateOrFetchSignal(ctx context.Context, s models.DriftSignal) (sig models.DriftSignal, created bool, err error)
	// UpdateSignalAssessment rewrites the observed/baseline/severity of an
	// existing signal in place.
	UpdateSignalAssessment(ctx context.Context, id int64, observed, baselineValue, delta, severity float64, updatedAt time.Time) error
	Commit() error
	Rollback() error
}

// Store hands out run transactions.
type Store interface {
	// BeginRun opens a transaction holding the tenant's exclusive run lock.
	// Concurrent runs for the same tenant serialize here; different tenants
	// never contend.
	BeginRun(ctx context.Context, tenantID string) (RunTx, error)
}

// Signals is the read side over persisted drift signals, used by report
// consumers such as the hotspot miner.
type Signals interface {
	ListSignals(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.DriftSignal, error)
}
