package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/claimwatch/claimwatch-drift/internal/models"
)

// Override adjusts detection parameters for a slice of the fleet. Empty
// match fields are wildcards; only the non-nil parameters are applied.
type Override struct {
	ID    string        `yaml:"id"`
	Match OverrideMatch `yaml:"match"`

	MinSampleSize         *int64   `yaml:"minSampleSize"`
	RateAbsoluteFloor     *float64 `yaml:"rateAbsoluteFloor"`
	RateZMultiplier       *float64 `yaml:"rateZMultiplier"`
	DelaySpreadMultiplier *float64 `yaml:"delaySpreadMultiplier"`
	DelayAbsoluteDays     *float64 `yaml:"delayAbsoluteDays"`
	Cooldown              string   `yaml:"cooldown"`

	cooldown time.Duration
}

// OverrideMatch defines optional attributes for override matching.
type OverrideMatch struct {
	Tenant string `yaml:"tenant"`
	Payer  string `yaml:"payer"`
	Metric string `yaml:"metric"`
}

// OverridePackFile is the YAML root structure.
type OverridePackFile struct {
	Overrides []Override `yaml:"overrides"`
}

// Overrides resolves per-dimension detection parameters from an override
// pack. A nil *Overrides resolves everything to the configured defaults.
type Overrides struct {
	overrides []Override
	logger    *slog.Logger
}

// LoadOverrides loads an override pack from the provided path. If path is
// empty or the file does not exist, returns a nil engine.
func LoadOverrides(path string, logger *slog.Logger) (*Overrides, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var pack OverridePackFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, err
	}
	for i := range pack.Overrides {
		if pack.Overrides[i].Cooldown == "" {
			continue
		}
		d, err := time.ParseDuration(pack.Overrides[i].Cooldown)
		if err != nil {
			return nil, fmt.Errorf("override %q: bad cooldown: %w", pack.Overrides[i].ID, err)
		}
		pack.Overrides[i].cooldown = d
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Overrides{overrides: pack.Overrides, logger: logger}, nil
}

// Resolve applies matching overrides to the base thresholds and cooldown.
// Overrides apply in pack order, so later entries win on overlap; authors
// order packs general-to-specific.
func (o *Overrides) Resolve(tenantID, payer string, metric models.MetricType, base Thresholds, cooldown time.Duration) (Thresholds, time.Duration) {
	if o == nil {
		return base, cooldown
	}

	for _, ov := range o.overrides {
		if ov.Match.Tenant != "" && ov.Match.Tenant != tenantID {
			continue
		}
		if ov.Match.Payer != "" && ov.Match.Payer != payer {
			continue
		}
		if ov.Match.Metric != "" && ov.Match.Metric != string(metric) {
			continue
		}
		if ov.MinSampleSize != nil {
			base.MinSampleSize = *ov.MinSampleSize
		}
		if ov.RateAbsoluteFloor != nil {
			base.RateAbsoluteFloor = *ov.RateAbsoluteFloor
		}
		if ov.RateZMultiplier != nil {
			base.RateZMultiplier = *ov.RateZMultiplier
		}
		if ov.DelaySpreadMultiplier != nil {
			base.DelaySpreadMultiplier = *ov.DelaySpreadMultiplier
		}
		if ov.DelayAbsoluteDays != nil {
			base.DelayAbsoluteDays = *ov.DelayAbsoluteDays
		}
		if ov.Cooldown != "" {
			cooldown = ov.cooldown
		}
	}
	return base, cooldown
}
