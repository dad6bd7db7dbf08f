package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimwatch/claimwatch-drift/internal/cache"
	"github.com/claimwatch/claimwatch-drift/internal/config"
	"github.com/claimwatch/claimwatch-drift/internal/models"
	"github.com/claimwatch/claimwatch-drift/internal/repo"
	"github.com/claimwatch/claimwatch-drift/internal/suppress"
)

type fakeClaims struct {
	aggs map[string][]models.WindowAggregate
}

func (f *fakeClaims) key(tenantID string, w models.Window) string {
	return tenantID + "|" + w.Key()
}

func (f *fakeClaims) add(tenantID string, w models.Window, aggs ...models.WindowAggregate) {
	if f.aggs == nil {
		f.aggs = make(map[string][]models.WindowAggregate)
	}
	f.aggs[f.key(tenantID, w)] = aggs
}

func (f *fakeClaims) AggregateWindow(_ context.Context, tenantID string, w models.Window) ([]models.WindowAggregate, error) {
	return f.aggs[f.key(tenantID, w)], nil
}

func (f *fakeClaims) ListTenants(context.Context) ([]string, error) {
	return []string{"tenant-a"}, nil
}

// fakeStore serializes runs with a mutex held from BeginRun to Commit or
// Rollback, mirroring the tenant run lock.
type fakeStore struct {
	mu        sync.Mutex
	baselines map[string]models.Baseline
	signals   map[string]models.DriftSignal
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		baselines: make(map[string]models.Baseline),
		signals:   make(map[string]models.DriftSignal),
	}
}

func (s *fakeStore) seedBaseline(b models.Baseline) {
	s.baselines[b.TenantID+"|"+models.BaselineKey(b.Payer, b.ProcedureGroup)] = b
}

func (s *fakeStore) BeginRun(_ context.Context, tenantID string) (repo.RunTx, error) {
	s.mu.Lock()
	return &fakeTx{store: s, tenantID: tenantID}, nil
}

type fakeTx struct {
	store    *fakeStore
	tenantID string
	done     bool
}

func (t *fakeTx) Baselines(_ context.Context, tenantID string) (map[string]models.Baseline, error) {
	out := make(map[string]models.Baseline)
	for _, b := range t.store.baselines {
		if b.TenantID == tenantID {
			out[models.BaselineKey(b.Payer, b.ProcedureGroup)] = b
		}
	}
	return out, nil
}

func (t *fakeTx) UpsertBaseline(_ context.Context, b models.Baseline) error {
	t.store.baselines[b.TenantID+"|"+models.BaselineKey(b.Payer, b.ProcedureGroup)] = b
	return nil
}

func (t *fakeTx) CreateOrFetchSignal(_ context.Context, s models.DriftSignal) (models.DriftSignal, bool, error) {
	key := s.UniquenessKey()
	if existing, ok := t.store.signals[key]; ok {
		return existing, false, nil
	}
	t.store.nextID++
	s.ID = t.store.nextID
	t.store.signals[key] = s
	return s, true, nil
}

func (t *fakeTx) UpdateSignalAssessment(_ context.Context, id int64, observed, baselineValue, delta, severity float64, updatedAt time.Time) error {
	for key, sig := range t.store.signals {
		if sig.ID == id {
			sig.Observed = observed
			sig.BaselineValue = baselineValue
			sig.Delta = delta
			sig.Severity = severity
			sig.UpdatedAt = updatedAt
			t.store.signals[key] = sig
			return nil
		}
	}
	return nil
}

func (t *fakeTx) Commit() error {
	if !t.done {
		t.done = true
		t.store.mu.Unlock()
	}
	return nil
}

func (t *fakeTx) Rollback() error {
	if !t.done {
		t.done = true
		t.store.mu.Unlock()
	}
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	signals []models.DriftSignal
}

func (n *fakeNotifier) Notify(_ context.Context, sig models.DriftSignal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, sig)
	return nil
}

func detectionConfig() config.DetectionConfig {
	return config.DetectionConfig{
		WindowDays:            7,
		MinSampleSize:         10,
		RateAbsoluteFloor:     0.05,
		RateZMultiplier:       2.0,
		DelaySpreadMultiplier: 3.0,
		DelayAbsoluteDays:     7,
		SeverityUpdateEpsilon: 0.1,
		BaselineAlpha:         0.3,
		Cooldown:              time.Hour,
	}
}

func newTestPipeline(claims *fakeClaims, store *fakeStore, notifier *fakeNotifier) *Pipeline {
	gate := suppress.NewGate(cache.NewMemoryProvider(), time.Hour)
	return NewPipeline(nil, claims, store, detectionConfig(), nil, gate, notifier)
}

func steadyBaseline(tenantID string, asOf time.Time) models.Baseline {
	return models.Baseline{
		TenantID:       tenantID,
		Payer:          "acme_health",
		ProcedureGroup: "imaging",
		Current: models.BaselineValues{
			DenialRate:           0.10,
			DenialShare:          1.0,
			MeanDaysToDecision:   4.0,
			DaysToDecisionStdDev: 1.0,
			SampleSize:           1000,
			DeniedSampleSize:     100,
			DecidedSampleSize:    950,
		},
		LastWindowEnd: asOf,
		UpdatedAt:     asOf,
	}
}

func spikeAggregate(tenantID string, w models.Window) models.WindowAggregate {
	return models.WindowAggregate{
		TenantID:             tenantID,
		Payer:                "acme_health",
		ProcedureGroup:       "imaging",
		Window:               w,
		TotalClaims:          1000,
		DeniedClaims:         300,
		DecidedClaims:        950,
		DaysToDecisionMean:   4.2,
		DaysToDecisionStdDev: 1.1,
	}
}

func TestRunDetectsDenialRateSpike(t *testing.T) {
	w := testWindow()
	claims := &fakeClaims{}
	claims.add("tenant-a", w, spikeAggregate("tenant-a", w))
	store := newFakeStore()
	store.seedBaseline(steadyBaseline("tenant-a", w.Start))
	notifier := &fakeNotifier{}
	p := newTestPipeline(claims, store, notifier)

	report, err := p.Run(context.Background(), models.DetectionRequest{TenantID: "tenant-a", Window: w})
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, report.Status)
	assert.Equal(t, 1, report.Dimensions)
	assert.Equal(t, 1, report.Anomalous)
	assert.Equal(t, 1, report.SignalsCreated)
	assert.Equal(t, 1, report.Notified)
	assert.Zero(t, report.Suppressed)

	require.Len(t, store.signals, 1)
	for _, sig := range store.signals {
		assert.Equal(t, models.MetricDenialRate, sig.Metric)
		assert.InDelta(t, 0.30, sig.Observed, 1e-9)
		assert.InDelta(t, 0.10, sig.BaselineValue, 1e-9)
		assert.InDelta(t, 1.0, sig.Severity, 1e-9)
		assert.Equal(t, models.SignalActive, sig.Status)
	}
	require.Len(t, notifier.signals, 1)

	// The window was absorbed with alpha 0.3 and the pre-update values
	// snapshotted.
	b := store.baselines["tenant-a|"+models.BaselineKey("acme_health", "imaging")]
	assert.InDelta(t, 0.3*0.30+0.7*0.10, b.Current.DenialRate, 1e-9)
	require.NotNil(t, b.Prev)
	assert.InDelta(t, 0.10, b.Prev.DenialRate, 1e-9)
	assert.Equal(t, w.End, b.LastWindowEnd)
}

func TestRunStableWindowStaysQuiet(t *testing.T) {
	w := testWindow()
	agg := spikeAggregate("tenant-a", w)
	agg.DeniedClaims = 105 // 10.5%, within the floor of a 10% baseline
	claims := &fakeClaims{}
	claims.add("tenant-a", w, agg)
	store := newFakeStore()
	store.seedBaseline(steadyBaseline("tenant-a", w.Start))
	notifier := &fakeNotifier{}
	p := newTestPipeline(claims, store, notifier)

	report, err := p.Run(context.Background(), models.DetectionRequest{TenantID: "tenant-a", Window: w})
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, report.Status)
	assert.Zero(t, report.Anomalous)
	assert.Empty(t, store.signals)
	assert.Empty(t, notifier.signals)
}

func TestRunRerunIsIdempotent(t *testing.T) {
	w := testWindow()
	claims := &fakeClaims{}
	claims.add("tenant-a", w, spikeAggregate("tenant-a", w))
	store := newFakeStore()
	store.seedBaseline(steadyBaseline("tenant-a", w.Start))
	notifier := &fakeNotifier{}
	p := newTestPipeline(claims, store, notifier)

	req := models.DetectionRequest{TenantID: "tenant-a", Window: w}
	_, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	baselineAfterFirst := store.baselines["tenant-a|"+models.BaselineKey("acme_health", "imaging")]

	report, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	// The second pass scores against the snapshot the first pass scored
	// against, finds the identical signal, and absorbs nothing.
	assert.Equal(t, 1, report.Anomalous)
	assert.Zero(t, report.SignalsCreated)
	assert.Zero(t, report.SignalsUpdated)
	assert.Len(t, store.signals, 1)
	assert.Equal(t, baselineAfterFirst, store.baselines["tenant-a|"+models.BaselineKey("acme_health", "imaging")])
	assert.Len(t, notifier.signals, 1)
}

func TestRunRecurringSignalNotifiesAgainAfterCooldown(t *testing.T) {
	w := testWindow()
	claims := &fakeClaims{}
	claims.add("tenant-a", w, spikeAggregate("tenant-a", w))
	store := newFakeStore()
	store.seedBaseline(steadyBaseline("tenant-a", w.Start))
	notifier := &fakeNotifier{}

	now := time.Date(2026, 8, 8, 0, 0, 0, 0, time.UTC)
	gate := suppress.NewGate(cache.NewMemoryProviderWithClock(func() time.Time { return now }), time.Hour)
	p := NewPipeline(nil, claims, store, detectionConfig(), nil, gate, notifier)

	req := models.DetectionRequest{TenantID: "tenant-a", Window: w}
	first, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Notified)

	// A re-detection inside the cooldown fetches the same row and stays
	// quiet.
	now = now.Add(30 * time.Minute)
	second, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Anomalous)
	assert.Zero(t, second.SignalsCreated)
	assert.Zero(t, second.Notified)
	assert.Equal(t, 1, second.Suppressed)

	// Once the cooldown lapses, the same durable signal is eligible again.
	now = now.Add(2 * time.Hour)
	third, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, third.SignalsCreated)
	assert.Equal(t, 1, third.Notified)
	assert.Zero(t, third.Suppressed)

	assert.Len(t, store.signals, 1)
	assert.Len(t, notifier.signals, 2)
}

func TestRunAbsentDimensionLeavesOthersProcessed(t *testing.T) {
	w := testWindow()
	claims := &fakeClaims{}
	claims.add("tenant-a", w, spikeAggregate("tenant-a", w))
	store := newFakeStore()
	store.seedBaseline(steadyBaseline("tenant-a", w.Start))
	labs := steadyBaseline("tenant-a", w.Start)
	labs.ProcedureGroup = "labs"
	store.seedBaseline(labs)
	notifier := &fakeNotifier{}
	p := newTestPipeline(claims, store, notifier)

	report, err := p.Run(context.Background(), models.DetectionRequest{TenantID: "tenant-a", Window: w})
	require.NoError(t, err)

	// The pair with no claims this window contributes no aggregate and no
	// signal; the spiking pair is still scored and emitted.
	assert.Equal(t, 1, report.Dimensions)
	assert.Equal(t, 1, report.SignalsCreated)
	require.Len(t, store.signals, 1)
	for _, sig := range store.signals {
		assert.Equal(t, "imaging", sig.ProcedureGroup)
	}
	assert.Equal(t, labs, store.baselines["tenant-a|"+models.BaselineKey("acme_health", "labs")])
}

func TestRunConcurrentRunsProduceOneSignal(t *testing.T) {
	w := testWindow()
	claims := &fakeClaims{}
	claims.add("tenant-a", w, spikeAggregate("tenant-a", w))
	store := newFakeStore()
	store.seedBaseline(steadyBaseline("tenant-a", w.Start))
	notifier := &fakeNotifier{}
	p := newTestPipeline(claims, store, notifier)

	req := models.DetectionRequest{TenantID: "tenant-a", Window: w}
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	created := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := p.Run(context.Background(), req)
			errs <- err
			created <- report.SignalsCreated
		}()
	}
	wg.Wait()
	close(errs)
	close(created)

	for err := range errs {
		require.NoError(t, err)
	}
	total := 0
	for n := range created {
		total += n
	}
	assert.Equal(t, 1, total)
	assert.Len(t, store.signals, 1)
	assert.Len(t, notifier.signals, 1)
}

func TestRunFirstRunSeedsBaselines(t *testing.T) {
	w := testWindow()
	claims := &fakeClaims{}
	claims.add("tenant-a", w, spikeAggregate("tenant-a", w))
	store := newFakeStore()
	notifier := &fakeNotifier{}
	p := newTestPipeline(claims, store, notifier)

	report, err := p.Run(context.Background(), models.DetectionRequest{TenantID: "tenant-a", Window: w})
	require.NoError(t, err)

	assert.Equal(t, 1, report.BaselinesSeeded)
	assert.Zero(t, report.SignalsCreated)
	assert.Empty(t, store.signals)

	b := store.baselines["tenant-a|"+models.BaselineKey("acme_health", "imaging")]
	assert.InDelta(t, 0.30, b.Current.DenialRate, 1e-9)
	assert.Nil(t, b.Prev)
	assert.Equal(t, w.End, b.LastWindowEnd)
}

func TestRunSeedWindowEnablesImmediateComparison(t *testing.T) {
	w := testWindow()
	seed := models.Window{Start: w.Start.AddDate(0, 0, -7), End: w.Start}
	claims := &fakeClaims{}
	claims.add("tenant-a", w, spikeAggregate("tenant-a", w))
	claims.add("tenant-a", seed, models.WindowAggregate{
		TenantID: "tenant-a", Payer: "acme_health", ProcedureGroup: "imaging",
		Window: seed, TotalClaims: 1000, DeniedClaims: 100, DecidedClaims: 950,
		DaysToDecisionMean: 4.0, DaysToDecisionStdDev: 1.0,
	})
	store := newFakeStore()
	notifier := &fakeNotifier{}
	p := newTestPipeline(claims, store, notifier)

	report, err := p.Run(context.Background(), models.DetectionRequest{
		TenantID: "tenant-a", Window: w, SeedWindow: &seed,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.BaselinesSeeded)
	assert.Equal(t, 1, report.SignalsCreated)
	require.Len(t, store.signals, 1)
	for _, sig := range store.signals {
		assert.Equal(t, models.MetricDenialRate, sig.Metric)
		assert.InDelta(t, 0.10, sig.BaselineValue, 1e-9)
	}
}

func TestRunInsufficientData(t *testing.T) {
	w := testWindow()
	claims := &fakeClaims{}
	claims.add("tenant-a", w, models.WindowAggregate{
		TenantID: "tenant-a", Payer: "acme_health", ProcedureGroup: "imaging",
		Window: w, TotalClaims: 9, DeniedClaims: 8, DecidedClaims: 9,
		DaysToDecisionMean: 30,
	})
	store := newFakeStore()
	store.seedBaseline(steadyBaseline("tenant-a", w.Start))
	notifier := &fakeNotifier{}
	p := newTestPipeline(claims, store, notifier)

	report, err := p.Run(context.Background(), models.DetectionRequest{TenantID: "tenant-a", Window: w})
	require.NoError(t, err)

	// All three variants bail out on sample size; a 9-claim window never
	// alerts no matter how extreme its values look.
	assert.Equal(t, 3, report.InsufficientData)
	assert.Zero(t, report.Anomalous)
	assert.Empty(t, store.signals)
}

func TestRunEmptyWindow(t *testing.T) {
	w := testWindow()
	store := newFakeStore()
	store.seedBaseline(steadyBaseline("tenant-a", w.Start))
	p := newTestPipeline(&fakeClaims{}, store, &fakeNotifier{})

	report, err := p.Run(context.Background(), models.DetectionRequest{TenantID: "tenant-a", Window: w})
	require.NoError(t, err)

	assert.Equal(t, models.RunSucceeded, report.Status)
	assert.Zero(t, report.Dimensions)
	assert.Empty(t, store.signals)
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	p := newTestPipeline(&fakeClaims{}, newFakeStore(), &fakeNotifier{})

	_, err := p.Run(context.Background(), models.DetectionRequest{Window: testWindow()})
	require.Error(t, err)

	w := testWindow()
	_, err = p.Run(context.Background(), models.DetectionRequest{
		TenantID: "tenant-a",
		Window:   models.Window{Start: w.End, End: w.Start},
	})
	require.Error(t, err)
}

func testWindow() models.Window {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return models.Window{Start: start, End: start.AddDate(0, 0, 7)}
}
