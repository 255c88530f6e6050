package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swapcycle/clearing/pkg/contracts"
	"github.com/swapcycle/clearing/pkg/score"
)

// MatchingProfile is the deployment-tunable matching and settlement policy.
// Every knob has a production default; a YAML profile overrides selectively.
type MatchingProfile struct {
	Matching MatchingConfig `yaml:"matching"`
	Weights  score.Weights  `yaml:"weights"`
	Windows  WindowConfig   `yaml:"windows"`
	Tiers    map[string]int `yaml:"tier_max_cycle_length,omitempty"`
}

// MatchingConfig bounds the enumeration and selection passes.
type MatchingConfig struct {
	MaxCycleLength        int `yaml:"max_cycle_length"`
	MaxCandidatesPerStart int `yaml:"max_candidates_per_start"`
	MaxProposalsPerRun    int `yaml:"max_proposals_per_run"`
}

// WindowConfig holds the protocol timing windows.
type WindowConfig struct {
	ReservationTTL Duration `yaml:"reservation_ttl"`
	DepositWindow  Duration `yaml:"deposit_window"`
	MatchInterval  Duration `yaml:"match_interval"`
	SweepInterval  Duration `yaml:"sweep_interval"`
}

// Duration lets YAML profiles use Go duration syntax ("24h", "30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultProfile returns the production defaults.
func DefaultProfile() *MatchingProfile {
	return &MatchingProfile{
		Matching: MatchingConfig{
			MaxCycleLength:        4,
			MaxCandidatesPerStart: 64,
			MaxProposalsPerRun:    16,
		},
		Weights: score.DefaultWeights(),
		Windows: WindowConfig{
			ReservationTTL: Duration(24 * time.Hour),
			DepositWindow:  Duration(48 * time.Hour),
			MatchInterval:  Duration(60 * time.Second),
			SweepInterval:  Duration(30 * time.Second),
		},
		Tiers: map[string]int{
			string(contracts.TierStrict):   3,
			string(contracts.TierStandard): 4,
			string(contracts.TierOpen):     5,
		},
	}
}

// LoadProfile reads a YAML profile over the defaults. An empty path returns
// the defaults unchanged.
func LoadProfile(path string) (*MatchingProfile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate rejects profiles that would break matching invariants.
func (p *MatchingProfile) Validate() error {
	if p.Matching.MaxCycleLength < 2 {
		return fmt.Errorf("max_cycle_length %d: cycles need at least two members", p.Matching.MaxCycleLength)
	}
	if p.Matching.MaxCandidatesPerStart < 1 {
		return fmt.Errorf("max_candidates_per_start must be positive")
	}
	if p.Windows.ReservationTTL <= 0 || p.Windows.DepositWindow <= 0 {
		return fmt.Errorf("reservation_ttl and deposit_window must be positive")
	}
	total := p.Weights.Value + p.Weights.Length + p.Weights.Trust + p.Weights.Freshness + p.Weights.Age
	if total <= 0 {
		return fmt.Errorf("scoring weights sum to %v, nothing to rank by", total)
	}
	return nil
}

// TierMaxLength converts the profile's tier table to domain types.
func (p *MatchingProfile) TierMaxLength() map[contracts.TrustTier]int {
	out := make(map[contracts.TrustTier]int, len(p.Tiers))
	for tier, k := range p.Tiers {
		out[contracts.TrustTier(tier)] = k
	}
	return out
}
