package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema bootstraps every table the engine owns, plus the claim fact table
// it reads. The unique constraint on drift_signals is what makes
// CreateOrFetchSignal safe under concurrent runs; it is load-bearing, not an
// optimization.
const schema = `
CREATE TABLE IF NOT EXISTS claim_facts (
    id              BIGSERIAL PRIMARY KEY,
    tenant_id       TEXT        NOT NULL,
    payer           TEXT        NOT NULL DEFAULT 'UNKNOWN',
    procedure_group TEXT        NOT NULL DEFAULT 'UNKNOWN',
    outcome         TEXT        NOT NULL,
    submitted_at    TIMESTAMPTZ NOT NULL,
    decided_at      TIMESTAMPTZ,
    CONSTRAINT claim_facts_decided_after_submitted
        CHECK (decided_at IS NULL OR decided_at >= submitted_at)
);

CREATE INDEX IF NOT EXISTS idx_claim_facts_tenant_submitted
    ON claim_facts (tenant_id, submitted_at);

CREATE TABLE IF NOT EXISTS baselines (
    tenant_id                TEXT             NOT NULL,
    payer                    TEXT             NOT NULL,
    procedure_group          TEXT             NOT NULL,
    denial_rate              DOUBLE PRECISION NOT NULL,
    denial_share             DOUBLE PRECISION NOT NULL,
    mean_days_to_decision    DOUBLE PRECISION NOT NULL,
    days_to_decision_stddev  DOUBLE PRECISION NOT NULL,
    sample_size              DOUBLE PRECISION NOT NULL,
    denied_sample_size       DOUBLE PRECISION NOT NULL DEFAULT 0,
    decided_sample_size      DOUBLE PRECISION NOT NULL DEFAULT 0,
    prev_denial_rate         DOUBLE PRECISION,
    prev_denial_share        DOUBLE PRECISION,
    prev_mean_days           DOUBLE PRECISION,
    prev_days_stddev         DOUBLE PRECISION,
    prev_sample_size         DOUBLE PRECISION,
    prev_denied_sample_size  DOUBLE PRECISION,
    prev_decided_sample_size DOUBLE PRECISION,
    last_window_end          TIMESTAMPTZ      NOT NULL,
    updated_at               TIMESTAMPTZ      NOT NULL DEFAULT now(),
    PRIMARY KEY (tenant_id, payer, procedure_group)
);

CREATE TABLE IF NOT EXISTS drift_signals (
    id              BIGSERIAL PRIMARY KEY,
    signal_uid      UUID             NOT NULL,
    tenant_id       TEXT             NOT NULL,
    window_start    TIMESTAMPTZ      NOT NULL,
    window_end      TIMESTAMPTZ      NOT NULL,
    payer           TEXT             NOT NULL,
    procedure_group TEXT             NOT NULL,
    metric          TEXT             NOT NULL,
    observed        DOUBLE PRECISION NOT NULL,
    baseline_value  DOUBLE PRECISION NOT NULL,
    delta           DOUBLE PRECISION NOT NULL,
    severity        DOUBLE PRECISION NOT NULL,
    status          TEXT             NOT NULL DEFAULT 'active',
    detected_at     TIMESTAMPTZ      NOT NULL,
    updated_at      TIMESTAMPTZ      NOT NULL,
    CONSTRAINT drift_signals_dimension_window
        UNIQUE (tenant_id, window_start, window_end, payer, procedure_group, metric)
);

CREATE INDEX IF NOT EXISTS idx_drift_signals_tenant_detected
    ON drift_signals (tenant_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS tenant_run_locks (
    tenant_id TEXT PRIMARY KEY,
    locked_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Statements are idempotent, so re-running is
// safe.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
