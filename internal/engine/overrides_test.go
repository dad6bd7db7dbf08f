package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimwatch/claimwatch-drift/internal/models"
)

const overridePackYAML = `
overrides:
  - id: lenient-small-tenants
    match:
      tenant: tenant-small
    minSampleSize: 25
  - id: noisy-payer-floor
    match:
      payer: acme_health
      metric: denial_rate
    rateAbsoluteFloor: 0.10
    cooldown: 4h
  - id: global-delay-days
    delayAbsoluteDays: 10
`

func writeOverridePack(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overridePackYAML), 0o644))
	return path
}

func TestLoadOverridesMissingFile(t *testing.T) {
	o, err := LoadOverrides("", nil)
	require.NoError(t, err)
	assert.Nil(t, o)

	o, err = LoadOverrides(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestNilOverridesResolveToDefaults(t *testing.T) {
	var o *Overrides
	base := defaultThresholds()
	got, cooldown := o.Resolve("tenant-a", "acme_health", models.MetricDenialRate, base, time.Hour)
	assert.Equal(t, base, got)
	assert.Equal(t, time.Hour, cooldown)
}

func TestResolveAppliesMatchingOverrides(t *testing.T) {
	o, err := LoadOverrides(writeOverridePack(t), nil)
	require.NoError(t, err)
	require.NotNil(t, o)

	base := defaultThresholds()

	t.Run("payer and metric scoped", func(t *testing.T) {
		got, cooldown := o.Resolve("tenant-a", "acme_health", models.MetricDenialRate, base, time.Hour)
		assert.InDelta(t, 0.10, got.RateAbsoluteFloor, 1e-9)
		assert.Equal(t, 4*time.Hour, cooldown)
		// Untouched parameters keep their defaults; the global entry
		// still applies.
		assert.Equal(t, int64(10), got.MinSampleSize)
		assert.InDelta(t, 10.0, got.DelayAbsoluteDays, 1e-9)
	})

	t.Run("wrong metric does not match", func(t *testing.T) {
		got, cooldown := o.Resolve("tenant-a", "acme_health", models.MetricPaymentDelay, base, time.Hour)
		assert.InDelta(t, base.RateAbsoluteFloor, got.RateAbsoluteFloor, 1e-9)
		assert.Equal(t, time.Hour, cooldown)
	})

	t.Run("tenant scoped", func(t *testing.T) {
		got, _ := o.Resolve("tenant-small", "other_payer", models.MetricDenialMix, base, time.Hour)
		assert.Equal(t, int64(25), got.MinSampleSize)
	})
}
