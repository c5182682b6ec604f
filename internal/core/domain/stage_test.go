package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Band Table Tests
// =============================================================================

func TestBands_ContiguousAndOrdered(t *testing.T) {
	assert.Equal(t, 0, Bands[0].Low)
	assert.Equal(t, ProgressComplete, Bands[len(Bands)-1].High)

	for i := 1; i < len(Bands); i++ {
		assert.Equal(t, Bands[i-1].High, Bands[i].Low, "gap before %s", Bands[i].Stage)
		assert.Less(t, Bands[i].Low, Bands[i].High)
	}
}

func TestStages_Order(t *testing.T) {
	assert.Equal(t, []Stage{
		StageRepoAccess,
		StageCodeAnalysis,
		StageSpecGeneration,
		StageSecurityScan,
		StageImageBuild,
		StageServiceDeploy,
	}, Stages())
}

func TestBandFor(t *testing.T) {
	b, ok := BandFor(StageImageBuild)
	assert.True(t, ok)
	assert.Equal(t, 65, b.Low)
	assert.Equal(t, 85, b.High)

	_, ok = BandFor("nope")
	assert.False(t, ok)
}

func TestStage_Index(t *testing.T) {
	assert.Equal(t, 0, StageRepoAccess.Index())
	assert.Equal(t, 5, StageServiceDeploy.Index())
	assert.Equal(t, -1, Stage("other").Index())
	assert.False(t, Stage("other").Valid())
}

func TestBand_Clamp(t *testing.T) {
	b := Band{Stage: StageImageBuild, Low: 65, High: 85}

	assert.Equal(t, 65, b.Clamp(10))
	assert.Equal(t, 70, b.Clamp(70))
	assert.Equal(t, 84, b.Clamp(85))
	assert.Equal(t, 84, b.Clamp(200))
}

func TestBand_Scale(t *testing.T) {
	b := Band{Stage: StageImageBuild, Low: 65, High: 85}

	assert.Equal(t, 65, b.Scale(0))
	assert.Equal(t, 75, b.Scale(50))
	assert.Equal(t, 84, b.Scale(100))
	assert.Equal(t, 84, b.Scale(150))
	assert.Equal(t, 65, b.Scale(-5))
}
