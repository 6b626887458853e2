package sampler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/sampler"
)

func TestSampleReturnsBoundedPercentages(t *testing.T) {
	sample, err := sampler.Sample(t.Context())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, sample.CPUPct, 0.0)
	assert.LessOrEqual(t, sample.CPUPct, 100.0)
	assert.GreaterOrEqual(t, sample.RAMPct, 0.0)
	assert.GreaterOrEqual(t, sample.DiskPct, 0.0)
}

func TestInventoryReturnsNonEmptyFields(t *testing.T) {
	inv, err := sampler.Inventory(t.Context())
	require.NoError(t, err)

	assert.NotEmpty(t, inv.OS)
	assert.NotEmpty(t, inv.CPU)
	assert.Greater(t, inv.TotalRAMBytes, uint64(0))
}
