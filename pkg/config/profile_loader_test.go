package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
)

func TestLoadProfileEmptyPathReturnsDefaults(t *testing.T) {
	p, err := LoadProfile("")
	require.NoError(t, err)
	assert.Equal(t, 4, p.Matching.MaxCycleLength)
	assert.Equal(t, 64, p.Matching.MaxCandidatesPerStart)
	assert.Equal(t, 24*time.Hour, p.Windows.ReservationTTL.Std())
	assert.Equal(t, 3, p.TierMaxLength()[contracts.TierStrict])
}

func TestLoadProfileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
matching:
  max_cycle_length: 5
  max_candidates_per_start: 32
  max_proposals_per_run: 8
windows:
  reservation_ttl: 2h
  deposit_window: 12h
  match_interval: 30s
  sweep_interval: 15s
tier_max_cycle_length:
  strict: 2
  standard: 4
  open: 5
`), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Matching.MaxCycleLength)
	assert.Equal(t, 32, p.Matching.MaxCandidatesPerStart)
	assert.Equal(t, 2*time.Hour, p.Windows.ReservationTTL.Std())
	assert.Equal(t, 12*time.Hour, p.Windows.DepositWindow.Std())
	assert.Equal(t, 2, p.TierMaxLength()[contracts.TierStrict])
}

func TestLoadProfileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
matching:
  max_cycle_length: 1
`), 0o600))

	_, err := LoadProfile(path)
	assert.ErrorContains(t, err, "at least two members")
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
