package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/claimwatch/claimwatch-drift/internal/models"
)

// SignalsRepo is the read side over persisted drift signals.
type SignalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) *SignalsRepo {
	return &SignalsRepo{db: db, timeout: timeout}
}

// ListSignals returns signals detected at or after since, newest first.
func (r *SignalsRepo) ListSignals(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.DriftSignal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}

	var rows []signalRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, signal_uid, tenant_id, window_start, window_end, payer,
		       procedure_group, metric, observed, baseline_value, delta,
		       severity, status, detected_at, updated_at
		  FROM drift_signals
		 WHERE tenant_id = $1 AND detected_at >= $2
		 ORDER BY detected_at DESC
		 LIMIT $3`, tenantID, since, limit)
	if err != nil {
		return nil, classify("signals.list", "signal listing failed", err)
	}

	signals := make([]models.DriftSignal, 0, len(rows))
	for _, row := range rows {
		signals = append(signals, row.toModel())
	}
	return signals, nil
}
