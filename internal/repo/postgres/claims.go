package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"

	"github.com/claimwatch/claimwatch-drift/internal/cache"
	"github.com/claimwatch/claimwatch-drift/internal/models"
	"github.com/claimwatch/claimwatch-drift/internal/utils"
)

// Aggregation happens entirely in SQL: windows routinely span tens of
// thousands of claims and row-level loads would turn a correctness property
// into a memory problem. Unnormalized payer/procedure values collapse into
// the UNKNOWN bucket instead of being dropped.
const aggregateQuery = `
SELECT
    COALESCE(NULLIF(BTRIM(payer), ''), 'UNKNOWN')           AS payer,
    COALESCE(NULLIF(BTRIM(procedure_group), ''), 'UNKNOWN') AS procedure_group,
    COUNT(*)                                                AS total_claims,
    COUNT(*) FILTER (WHERE outcome = 'denied')              AS denied_claims,
    COUNT(decided_at)                                       AS decided_claims,
    COALESCE(SUM(EXTRACT(EPOCH FROM (decided_at - submitted_at)) / 86400.0), 0)         AS days_sum,
    COALESCE(MIN(EXTRACT(EPOCH FROM (decided_at - submitted_at)) / 86400.0), 0)         AS days_min,
    COALESCE(MAX(EXTRACT(EPOCH FROM (decided_at - submitted_at)) / 86400.0), 0)         AS days_max,
    COALESCE(AVG(EXTRACT(EPOCH FROM (decided_at - submitted_at)) / 86400.0), 0)         AS days_mean,
    COALESCE(STDDEV_SAMP(EXTRACT(EPOCH FROM (decided_at - submitted_at)) / 86400.0), 0) AS days_stddev
FROM claim_facts
WHERE tenant_id = $1 AND submitted_at >= $2 AND submitted_at < $3
GROUP BY 1, 2
ORDER BY 1, 2`

type aggregateRow struct {
	Payer          string  `db:"payer"`
	ProcedureGroup string  `db:"procedure_group"`
	TotalClaims    int64   `db:"total_claims"`
	DeniedClaims   int64   `db:"denied_claims"`
	DecidedClaims  int64   `db:"decided_claims"`
	DaysSum        float64 `db:"days_sum"`
	DaysMin        float64 `db:"days_min"`
	DaysMax        float64 `db:"days_max"`
	DaysMean       float64 `db:"days_mean"`
	DaysStdDev     float64 `db:"days_stddev"`
}

// ClaimsRepo implements repo.Claims over the Postgres claim fact table.
// Aggregate reads run behind a circuit breaker and are cached cache-aside:
// recomputing an unchanged window every hour should not hit the claim table
// every time.
type ClaimsRepo struct {
	db       *sqlx.DB
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
	cache    cache.Provider
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewClaimsRepo builds the claim aggregation repository. cacheProvider may
// be a NoopProvider to disable aggregate caching.
func NewClaimsRepo(db *sqlx.DB, timeout time.Duration, cacheProvider cache.Provider, cacheTTL time.Duration, logger *slog.Logger) *ClaimsRepo {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "claim-store",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &ClaimsRepo{
		db:       db,
		timeout:  timeout,
		breaker:  breaker,
		cache:    cacheProvider,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// AggregateWindow returns per-(payer, procedure group) aggregates for every
// combination with at least one claim in the window. A window with zero
// claims produces zero aggregates, not an error.
func (r *ClaimsRepo) AggregateWindow(ctx context.Context, tenantID string, w models.Window) ([]models.WindowAggregate, error) {
	if !w.Valid() {
		return nil, utils.E("claims.aggregate_window", utils.KindFatal,
			fmt.Sprintf("invalid window %s", w), nil)
	}

	cacheKey := fmt.Sprintf("winagg:%s:%s", tenantID, w.Key())
	if cached, err := r.cache.Get(ctx, cacheKey); err == nil {
		var aggs []models.WindowAggregate
		if err := json.Unmarshal(cached, &aggs); err == nil {
			return aggs, nil
		}
		// Corrupt cache entry; fall through to the query.
		_ = r.cache.Del(ctx, cacheKey)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		r.logger.Warn("aggregate cache read failed", slog.Any("error", err))
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.queryAggregates(ctx, tenantID, w)
	})
	if err != nil {
		return nil, classify("claims.aggregate_window", "window aggregation failed", err)
	}
	aggs := result.([]models.WindowAggregate)

	if r.cacheTTL > 0 && len(aggs) > 0 {
		if payload, err := json.Marshal(aggs); err == nil {
			if err := r.cache.Set(ctx, cacheKey, payload, r.cacheTTL); err != nil {
				r.logger.Debug("aggregate cache write failed", slog.Any("error", err))
			}
		}
	}

	return aggs, nil
}

func (r *ClaimsRepo) queryAggregates(ctx context.Context, tenantID string, w models.Window) ([]models.WindowAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []aggregateRow
	if err := r.db.SelectContext(ctx, &rows, aggregateQuery, tenantID, w.Start, w.End); err != nil {
		return nil, err
	}

	aggs := make([]models.WindowAggregate, 0, len(rows))
	for _, row := range rows {
		aggs = append(aggs, models.WindowAggregate{
			TenantID:             tenantID,
			Payer:                row.Payer,
			ProcedureGroup:       row.ProcedureGroup,
			Window:               w,
			TotalClaims:          row.TotalClaims,
			DeniedClaims:         row.DeniedClaims,
			DecidedClaims:        row.DecidedClaims,
			DaysToDecisionSum:    row.DaysSum,
			DaysToDecisionMin:    row.DaysMin,
			DaysToDecisionMax:    row.DaysMax,
			DaysToDecisionMean:   row.DaysMean,
			DaysToDecisionStdDev: row.DaysStdDev,
		})
	}
	return aggs, nil
}

// ListTenants enumerates every tenant with claim facts on record.
func (r *ClaimsRepo) ListTenants(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var tenants []string
	err := r.db.SelectContext(ctx, &tenants,
		`SELECT DISTINCT tenant_id FROM claim_facts ORDER BY tenant_id`)
	if err != nil {
		return nil, classify("claims.list_tenants", "tenant enumeration failed", err)
	}
	return tenants, nil
}

// InsertClaims batch-inserts claim facts. Production ingestion owns claim
// writes; this exists for the local seeding tool and tests.
func (r *ClaimsRepo) InsertClaims(ctx context.Context, claims []models.ClaimFact) error {
	if len(claims) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(claims)/500+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("claims.insert", "begin transaction failed", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO claim_facts (tenant_id, payer, procedure_group, outcome, submitted_at, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return classify("claims.insert", "prepare statement failed", err)
	}
	defer stmt.Close()

	for _, claim := range claims {
		if _, err := stmt.ExecContext(ctx,
			claim.TenantID, claim.Payer, claim.ProcedureGroup,
			claim.Outcome, claim.SubmittedAt, claim.DecidedAt); err != nil {
			return classify("claims.insert", "insert claim failed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("claims.insert", "commit failed", err)
	}
	return nil
}
