package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiquidityBoundary(t *testing.T) {
	const adv = 10_000_000.0
	const maxPct = 0.05

	// Exactly at the cap is acceptable.
	assert.NoError(t, CheckLiquidity(500_000, adv, maxPct))

	err := CheckLiquidity(600_000, adv, maxPct)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Position too large")

	// Just above the cap rejects too.
	assert.Error(t, CheckLiquidity(500_001, adv, maxPct))
}

func TestLiquidityRejectsWithoutVolumeData(t *testing.T) {
	assert.Error(t, CheckLiquidity(100, 0, 0.05))
	assert.Error(t, CheckLiquidity(100, -1, 0.05))
}
