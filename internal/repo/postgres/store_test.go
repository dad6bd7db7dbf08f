package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimwatch/claimwatch-drift/internal/models"
	"github.com/claimwatch/claimwatch-drift/internal/utils"
)

func signalColumns() []string {
	return []string{
		"id", "signal_uid", "tenant_id", "window_start", "window_end", "payer",
		"procedure_group", "metric", "observed", "baseline_value", "delta",
		"severity", "status", "detected_at", "updated_at",
	}
}

func expectBeginRun(mock sqlmock.Sqlmock, tenantID string) {
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO tenant_run_locks`).
		WithArgs(tenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT tenant_id FROM tenant_run_locks`).
		WithArgs(tenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestBeginRunAcquiresTenantLock(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStore(db, 5*time.Second, nil)

	expectBeginRun(mock, "tenant-a")
	mock.ExpectRollback()

	tx, err := store.BeginRun(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBaselinesSnapshot(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStore(db, 5*time.Second, nil)

	now := time.Date(2026, 8, 8, 0, 0, 0, 0, time.UTC)
	cols := []string{
		"tenant_id", "payer", "procedure_group", "denial_rate", "denial_share",
		"mean_days_to_decision", "days_to_decision_stddev", "sample_size",
		"denied_sample_size", "decided_sample_size",
		"prev_denial_rate", "prev_denial_share", "prev_mean_days",
		"prev_days_stddev", "prev_sample_size", "prev_denied_sample_size",
		"prev_decided_sample_size", "last_window_end", "updated_at",
	}

	expectBeginRun(mock, "tenant-a")
	mock.ExpectQuery(`FROM baselines`).
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("tenant-a", "acme_health", "imaging",
				0.10, 0.40, 4.5, 1.2, 300.0, 75.0, 280.0,
				0.09, 0.38, 4.3, 1.1, 280.0, 70.0, 260.0, now, now).
			AddRow("tenant-a", "acme_health", "labs",
				0.05, 0.20, 2.0, 0.8, 150.0, 30.0, 140.0,
				nil, nil, nil, nil, nil, nil, nil, now, now))
	mock.ExpectRollback()

	tx, err := store.BeginRun(context.Background(), "tenant-a")
	require.NoError(t, err)
	defer tx.Rollback()

	baselines, err := tx.Baselines(context.Background(), "tenant-a")
	require.NoError(t, err)
	require.Len(t, baselines, 2)

	imaging := baselines[models.BaselineKey("acme_health", "imaging")]
	assert.InDelta(t, 0.10, imaging.Current.DenialRate, 1e-9)
	assert.InDelta(t, 75.0, imaging.Current.DeniedSampleSize, 1e-9)
	assert.InDelta(t, 280.0, imaging.Current.DecidedSampleSize, 1e-9)
	require.NotNil(t, imaging.Prev)
	assert.InDelta(t, 0.09, imaging.Prev.DenialRate, 1e-9)
	assert.InDelta(t, 70.0, imaging.Prev.DeniedSampleSize, 1e-9)
	assert.True(t, imaging.Covers(models.Window{Start: now.AddDate(0, 0, -7), End: now}))

	labs := baselines[models.BaselineKey("acme_health", "labs")]
	assert.Nil(t, labs.Prev)
}

func TestCreateOrFetchSignalInserts(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStore(db, 5*time.Second, nil)

	w := testWindow()
	now := w.End.Add(time.Hour)
	sig := models.DriftSignal{
		SignalUID: "f6b2b0c2-4dd6-4c8e-9a3a-1f2b3c4d5e6f",
		TenantID:  "tenant-a", Window: w,
		Payer: "acme_health", ProcedureGroup: "imaging",
		Metric:   models.MetricDenialRate,
		Observed: 0.25, BaselineValue: 0.10, Delta: 0.15, Severity: 0.7,
		Status: models.SignalActive, DetectedAt: now, UpdatedAt: now,
	}

	expectBeginRun(mock, "tenant-a")
	mock.ExpectQuery(`INSERT INTO drift_signals`).
		WillReturnRows(sqlmock.NewRows(signalColumns()).
			AddRow(42, sig.SignalUID, sig.TenantID, w.Start, w.End, sig.Payer,
				sig.ProcedureGroup, string(sig.Metric), sig.Observed,
				sig.BaselineValue, sig.Delta, sig.Severity,
				string(sig.Status), now, now))
	mock.ExpectCommit()

	tx, err := store.BeginRun(context.Background(), "tenant-a")
	require.NoError(t, err)

	created, wasNew, err := tx.CreateOrFetchSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, int64(42), created.ID)
	assert.Equal(t, models.MetricDenialRate, created.Metric)
	require.NoError(t, tx.Commit())
}

func TestCreateOrFetchSignalFetchesOnConflict(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStore(db, 5*time.Second, nil)

	w := testWindow()
	now := w.End.Add(time.Hour)
	sig := models.DriftSignal{
		SignalUID: "0e1d2c3b-4a59-4687-95a4-b3c2d1e0f987",
		TenantID:  "tenant-a", Window: w,
		Payer: "acme_health", ProcedureGroup: "imaging",
		Metric:   models.MetricDenialRate,
		Observed: 0.30, BaselineValue: 0.10, Delta: 0.20, Severity: 0.9,
		Status: models.SignalActive, DetectedAt: now, UpdatedAt: now,
	}

	expectBeginRun(mock, "tenant-a")
	// DO NOTHING on conflict yields zero rows from RETURNING.
	mock.ExpectQuery(`INSERT INTO drift_signals`).
		WillReturnRows(sqlmock.NewRows(signalColumns()))
	mock.ExpectQuery(`FROM drift_signals`).
		WithArgs("tenant-a", w.Start, w.End, "acme_health", "imaging", "denial_rate").
		WillReturnRows(sqlmock.NewRows(signalColumns()).
			AddRow(7, "11111111-2222-3333-4444-555555555555", "tenant-a",
				w.Start, w.End, "acme_health", "imaging", "denial_rate",
				0.25, 0.10, 0.15, 0.7, "active", now.Add(-time.Hour), now.Add(-time.Hour)))
	mock.ExpectRollback()

	tx, err := store.BeginRun(context.Background(), "tenant-a")
	require.NoError(t, err)
	defer tx.Rollback()

	existing, wasNew, err := tx.CreateOrFetchSignal(context.Background(), sig)
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, int64(7), existing.ID)
	assert.InDelta(t, 0.25, existing.Observed, 1e-9)
}

func TestUpdateSignalAssessment(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStore(db, 5*time.Second, nil)

	now := time.Date(2026, 8, 8, 1, 0, 0, 0, time.UTC)

	expectBeginRun(mock, "tenant-a")
	mock.ExpectExec(`UPDATE drift_signals`).
		WithArgs(int64(7), 0.30, 0.10, 0.20, 0.9, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.BeginRun(context.Background(), "tenant-a")
	require.NoError(t, err)

	require.NoError(t, tx.UpdateSignalAssessment(context.Background(), 7, 0.30, 0.10, 0.20, 0.9, now))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want utils.Kind
	}{
		{"unique violation", &pq.Error{Code: "23505"}, utils.KindConflict},
		{"connection failure", &pq.Error{Code: "08006"}, utils.KindTransient},
		{"serialization failure", &pq.Error{Code: "40001"}, utils.KindTransient},
		{"undefined column", &pq.Error{Code: "42703"}, utils.KindFatal},
		{"check violation", &pq.Error{Code: "23514"}, utils.KindFatal},
		{"context deadline", context.DeadlineExceeded, utils.KindTransient},
		{"unknown driver error", assert.AnError, utils.KindTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("test.op", "boom", tc.err)
			assert.Equal(t, tc.want, utils.KindOf(got))
		})
	}
}
