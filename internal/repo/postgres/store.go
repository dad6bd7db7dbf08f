package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/claimwatch/claimwatch-drift/internal/models"
	"github.com/claimwatch/claimwatch-drift/internal/repo"
	"github.com/claimwatch/claimwatch-drift/internal/utils"
)

// Store hands out tenant-exclusive run transactions.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  *slog.Logger
}

func NewStore(db *sqlx.DB, timeout time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, timeout: timeout, logger: logger}
}

// BeginRun opens a transaction and takes the tenant's coordination row with
// FOR UPDATE. Two concurrent runs for the same tenant serialize on that row;
// the second waits until the first commits and then sees its writes.
func (s *Store) BeginRun(ctx context.Context, tenantID string) (repo.RunTx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify("store.begin_run", "begin transaction failed", err)
	}

	// The lock row must exist before it can be locked. The insert is a
	// no-op after the first run for a tenant.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_run_locks (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID); err != nil {
		tx.Rollback()
		return nil, classify("store.begin_run", "ensure run lock row failed", err)
	}

	if _, err := tx.ExecContext(ctx,
		`SELECT tenant_id FROM tenant_run_locks WHERE tenant_id = $1 FOR UPDATE`,
		tenantID); err != nil {
		tx.Rollback()
		return nil, classify("store.begin_run", "acquire run lock failed", err)
	}

	return &runTx{tx: tx, timeout: s.timeout, logger: s.logger}, nil
}

type runTx struct {
	tx      *sqlx.Tx
	timeout time.Duration
	logger  *slog.Logger
}

type baselineRow struct {
	TenantID        string    `db:"tenant_id"`
	Payer           string    `db:"payer"`
	ProcedureGroup  string    `db:"procedure_group"`
	DenialRate      float64   `db:"denial_rate"`
	DenialShare     float64   `db:"denial_share"`
	MeanDays        float64   `db:"mean_days_to_decision"`
	DaysStdDev      float64   `db:"days_to_decision_stddev"`
	SampleSize      float64   `db:"sample_size"`
	DeniedSamples   float64   `db:"denied_sample_size"`
	DecidedSamples  float64   `db:"decided_sample_size"`
	PrevDenialRate  *float64  `db:"prev_denial_rate"`
	PrevShare       *float64  `db:"prev_denial_share"`
	PrevMeanDays    *float64  `db:"prev_mean_days"`
	PrevDaysStdDev  *float64  `db:"prev_days_stddev"`
	PrevSampleSize  *float64  `db:"prev_sample_size"`
	PrevDeniedSize  *float64  `db:"prev_denied_sample_size"`
	PrevDecidedSize *float64  `db:"prev_decided_sample_size"`
	LastWindowEnd   time.Time `db:"last_window_end"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r baselineRow) toModel() models.Baseline {
	b := models.Baseline{
		TenantID:       r.TenantID,
		Payer:          r.Payer,
		ProcedureGroup: r.ProcedureGroup,
		Current: models.BaselineValues{
			DenialRate:           r.DenialRate,
			DenialShare:          r.DenialShare,
			MeanDaysToDecision:   r.MeanDays,
			DaysToDecisionStdDev: r.DaysStdDev,
			SampleSize:           r.SampleSize,
			DeniedSampleSize:     r.DeniedSamples,
			DecidedSampleSize:    r.DecidedSamples,
		},
		LastWindowEnd: r.LastWindowEnd,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.PrevDenialRate != nil {
		b.Prev = &models.BaselineValues{
			DenialRate:           *r.PrevDenialRate,
			DenialShare:          deref(r.PrevShare),
			MeanDaysToDecision:   deref(r.PrevMeanDays),
			DaysToDecisionStdDev: deref(r.PrevDaysStdDev),
			SampleSize:           deref(r.PrevSampleSize),
			DeniedSampleSize:     deref(r.PrevDeniedSize),
			DecidedSampleSize:    deref(r.PrevDecidedSize),
		}
	}
	return b
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func (t *runTx) Baselines(ctx context.Context, tenantID string) (map[string]models.Baseline, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var rows []baselineRow
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT tenant_id, payer, procedure_group, denial_rate, denial_share,
		        mean_days_to_decision, days_to_decision_stddev, sample_size,
		        denied_sample_size, decided_sample_size,
		        prev_denial_rate, prev_denial_share, prev_mean_days,
		        prev_days_stddev, prev_sample_size, prev_denied_sample_size,
		        prev_decided_sample_size, last_window_end, updated_at
		   FROM baselines WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, classify("run_tx.baselines", "baseline snapshot failed", err)
	}

	baselines := make(map[string]models.Baseline, len(rows))
	for _, row := range rows {
		baselines[models.BaselineKey(row.Payer, row.ProcedureGroup)] = row.toModel()
	}
	return baselines, nil
}

func (t *runTx) UpsertBaseline(ctx context.Context, b models.Baseline) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var prevRate, prevShare, prevMean, prevStdDev *float64
	var prevSample, prevDenied, prevDecided *float64
	if b.Prev != nil {
		prevRate, prevShare = &b.Prev.DenialRate, &b.Prev.DenialShare
		prevMean, prevStdDev = &b.Prev.MeanDaysToDecision, &b.Prev.DaysToDecisionStdDev
		prevSample = &b.Prev.SampleSize
		prevDenied, prevDecided = &b.Prev.DeniedSampleSize, &b.Prev.DecidedSampleSize
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO baselines (
		    tenant_id, payer, procedure_group,
		    denial_rate, denial_share, mean_days_to_decision,
		    days_to_decision_stddev, sample_size,
		    denied_sample_size, decided_sample_size,
		    prev_denial_rate, prev_denial_share, prev_mean_days,
		    prev_days_stddev, prev_sample_size,
		    prev_denied_sample_size, prev_decided_sample_size,
		    last_window_end, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		          $15, $16, $17, $18, $19)
		ON CONFLICT (tenant_id, payer, procedure_group) DO UPDATE SET
		    denial_rate              = EXCLUDED.denial_rate,
		    denial_share             = EXCLUDED.denial_share,
		    mean_days_to_decision    = EXCLUDED.mean_days_to_decision,
		    days_to_decision_stddev  = EXCLUDED.days_to_decision_stddev,
		    sample_size              = EXCLUDED.sample_size,
		    denied_sample_size       = EXCLUDED.denied_sample_size,
		    decided_sample_size      = EXCLUDED.decided_sample_size,
		    prev_denial_rate         = EXCLUDED.prev_denial_rate,
		    prev_denial_share        = EXCLUDED.prev_denial_share,
		    prev_mean_days           = EXCLUDED.prev_mean_days,
		    prev_days_stddev         = EXCLUDED.prev_days_stddev,
		    prev_sample_size         = EXCLUDED.prev_sample_size,
		    prev_denied_sample_size  = EXCLUDED.prev_denied_sample_size,
		    prev_decided_sample_size = EXCLUDED.prev_decided_sample_size,
		    last_window_end          = EXCLUDED.last_window_end,
		    updated_at               = EXCLUDED.updated_at`,
		b.TenantID, b.Payer, b.ProcedureGroup,
		b.Current.DenialRate, b.Current.DenialShare, b.Current.MeanDaysToDecision,
		b.Current.DaysToDecisionStdDev, b.Current.SampleSize,
		b.Current.DeniedSampleSize, b.Current.DecidedSampleSize,
		prevRate, prevShare, prevMean, prevStdDev, prevSample,
		prevDenied, prevDecided,
		b.LastWindowEnd, b.UpdatedAt)
	if err != nil {
		return classify("run_tx.upsert_baseline", "baseline upsert failed", err)
	}
	return nil
}

type signalRow struct {
	ID             int64     `db:"id"`
	SignalUID      string    `db:"signal_uid"`
	TenantID       string    `db:"tenant_id"`
	WindowStart    time.Time `db:"window_start"`
	WindowEnd      time.Time `db:"window_end"`
	Payer          string    `db:"payer"`
	ProcedureGroup string    `db:"procedure_group"`
	Metric         string    `db:"metric"`
	Observed       float64   `db:"observed"`
	BaselineValue  float64   `db:"baseline_value"`
	Delta          float64   `db:"delta"`
	Severity       float64   `db:"severity"`
	Status         string    `db:"status"`
	DetectedAt     time.Time `db:"detected_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r signalRow) toModel() models.DriftSignal {
	return models.DriftSignal{
		ID:             r.ID,
		SignalUID:      r.SignalUID,
		TenantID:       r.TenantID,
		Window:         models.Window{Start: r.WindowStart, End: r.WindowEnd},
		Payer:          r.Payer,
		ProcedureGroup: r.ProcedureGroup,
		Metric:         models.MetricType(r.Metric),
		Observed:       r.Observed,
		BaselineValue:  r.BaselineValue,
		Delta:          r.Delta,
		Severity:       r.Severity,
		Status:         models.SignalStatus(r.Status),
		DetectedAt:     r.DetectedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const selectSignalByDimension = `
SELECT id, signal_uid, tenant_id, window_start, window_end, payer,
       procedure_group, metric, observed, baseline_value, delta, severity,
       status, detected_at, updated_at
  FROM drift_signals
 WHERE tenant_id = $1 AND window_start = $2 AND window_end = $3
   AND payer = $4 AND procedure_group = $5 AND metric = $6`

// CreateOrFetchSignal races the uniqueness constraint with ON CONFLICT DO
// NOTHING so a lost race never raises an error that would poison the
// surrounding transaction. The 23505 branch stays as a defensive re-fetch in
// case the conflict target ever diverges from the constraint.
func (t *runTx) CreateOrFetchSignal(ctx context.Context, s models.DriftSignal) (models.DriftSignal, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var row signalRow
	err := t.tx.GetContext(ctx, &row, `
		INSERT INTO drift_signals (
		    signal_uid, tenant_id, window_start, window_end, payer,
		    procedure_group, metric, observed, baseline_value, delta,
		    severity, status, detected_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT ON CONSTRAINT drift_signals_dimension_window DO NOTHING
		RETURNING id, signal_uid, tenant_id, window_start, window_end, payer,
		          procedure_group, metric, observed, baseline_value, delta,
		          severity, status, detected_at, updated_at`,
		s.SignalUID, s.TenantID, s.Window.Start, s.Window.End, s.Payer,
		s.ProcedureGroup, string(s.Metric), s.Observed, s.BaselineValue,
		s.Delta, s.Severity, string(s.Status), s.DetectedAt, s.UpdatedAt)
	if err == nil {
		return row.toModel(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isUniqueViolation(err) {
		return models.DriftSignal{}, false, classify("run_tx.create_signal", "signal insert failed", err)
	}

	// Conflict path: some earlier run already owns this dimension/window.
	err = t.tx.GetContext(ctx, &row, selectSignalByDimension,
		s.TenantID, s.Window.Start, s.Window.End, s.Payer, s.ProcedureGroup, string(s.Metric))
	if err != nil {
		return models.DriftSignal{}, false, classify("run_tx.create_signal", "conflicting signal fetch failed", err)
	}
	return row.toModel(), false, nil
}

func (t *runTx) UpdateSignalAssessment(ctx context.Context, id int64, observed, baselineValue, delta, severity float64, updatedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res, err := t.tx.ExecContext(ctx, `
		UPDATE drift_signals
		   SET observed = $2, baseline_value = $3, delta = $4, severity = $5,
		       updated_at = $6
		 WHERE id = $1`,
		id, observed, baselineValue, delta, severity, updatedAt)
	if err != nil {
		return classify("run_tx.update_signal", "signal update failed", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return utils.E("run_tx.update_signal", utils.KindFatal, "signal row vanished mid-transaction", nil)
	}
	return nil
}

func (t *runTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return classify("run_tx.commit", "commit failed", err)
	}
	return nil
}

func (t *runTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify("run_tx.rollback", "rollback failed", err)
	}
	return nil
}
