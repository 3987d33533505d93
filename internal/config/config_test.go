package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15, cfg.LoanGraceDays)
	assert.Equal(t, 30, cfg.LoanTermDays)
	assert.Equal(t, "v2", cfg.FeeSplitVersion)
}

func TestLoad_ExplicitZeroGraceDays(t *testing.T) {
	viper.Reset()
	t.Setenv("LOAN_GRACE_DAYS", "0")

	cfg, err := Load()
	require.NoError(t, err)

	// Zero means no grace window: past due goes straight to DEFAULTED.
	assert.Equal(t, 0, cfg.LoanGraceDays)
}

func TestLoad_NegativeIntFallsBack(t *testing.T) {
	viper.Reset()
	t.Setenv("VESTING_PERIOD_DAYS", "-3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.VestingPeriodDays)
}
