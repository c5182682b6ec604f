package progress

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Resolve Tests
// =============================================================================

func TestResolve(t *testing.T) {
	build := domain.StagePtr(domain.StageImageBuild)

	tests := []struct {
		name      string
		current   int
		stage     *domain.Stage
		requested *int
		want      int
	}{
		{"nil percent keeps current", 42, build, nil, 42},
		{"inside band", 60, build, Int(70), 70},
		{"below band clamps to low", 60, build, Int(10), 65},
		{"above band clamps to high-1", 60, build, Int(99), 84},
		{"regression is ignored", 80, build, Int(70), 80},
		{"raw above 100", 0, nil, Int(250), 100},
		{"raw below 0", 0, nil, Int(-10), 0},
		{"free-form event only monotonic", 50, nil, Int(30), 50},
		{"unknown stage only monotonic", 10, domain.StagePtr("other"), Int(99), 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.current, tt.stage, tt.requested))
		})
	}
}

func TestResolve_NeverDecreasesUnderRandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	stages := domain.Stages()
	current := 0

	for i := 0; i < 5000; i++ {
		s := stages[rng.Intn(len(stages))]
		next := Resolve(current, &s, Int(rng.Intn(300)-100))
		assert.GreaterOrEqual(t, next, current)
		assert.LessOrEqual(t, next, 100)
		current = next
	}
}

// =============================================================================
// Build Translator Tests
// =============================================================================

func TestBuildTranslator_Sequence(t *testing.T) {
	var tr BuildTranslator

	raw, moved := tr.Observe("Fetching storage object")
	assert.True(t, moved)
	assert.Equal(t, 2, raw)

	raw, _ = tr.Observe("Pulling image: python:3.11-slim")
	assert.Equal(t, 4, raw)

	raw, _ = tr.Observe("Step 1/4 : FROM python:3.11-slim")
	assert.Equal(t, 40, raw)

	raw, _ = tr.Observe("Step 4/4 : CMD [\"python\", \"app.py\"]")
	assert.Equal(t, 70, raw)

	raw, _ = tr.Observe("Pushing gcr.io/p/svc")
	assert.Equal(t, 75, raw)

	raw, _ = tr.Observe("DONE")
	assert.Equal(t, 95, raw)
}

func TestBuildTranslator_FetchCapped(t *testing.T) {
	var tr BuildTranslator
	for i := 0; i < 50; i++ {
		tr.Observe("Pulling fs layer")
	}
	assert.Equal(t, 30, tr.Raw())
}

func TestBuildTranslator_IgnoresUnrelatedAndBlank(t *testing.T) {
	var tr BuildTranslator

	_, moved := tr.Observe("")
	assert.False(t, moved)
	_, moved = tr.Observe("   installing requirements")
	assert.False(t, moved)
	assert.Equal(t, 0, tr.Raw())
}

func TestBuildTranslator_NeverRegresses(t *testing.T) {
	var tr BuildTranslator
	tr.Observe("Step 5/5 : CMD x")
	raw, moved := tr.Observe("Step 1/5 : FROM y")

	assert.False(t, moved)
	assert.Equal(t, 70, raw)
}

func TestBuildTranslator_BuildkitLines(t *testing.T) {
	var tr BuildTranslator
	tr.Observe("#1 [internal] load build definition")
	tr.Observe("#2 [1/4] FROM node:20-alpine")
	assert.Equal(t, 6, tr.Raw())
}

// =============================================================================
// Deploy Translator Tests
// =============================================================================

func TestDeployTranslator(t *testing.T) {
	var tr DeployTranslator

	raw, moved := tr.Observe("Creating revision")
	assert.True(t, moved)
	assert.Equal(t, 5, raw)

	for i := 0; i < 40; i++ {
		tr.Observe("Routing traffic")
	}
	assert.Equal(t, 90, tr.Raw())

	_, moved = tr.Observe("still waiting")
	assert.False(t, moved)
}

func TestDeployTranslator_ScaledIntoBand(t *testing.T) {
	band, _ := domain.BandFor(domain.StageServiceDeploy)
	var tr DeployTranslator
	for i := 0; i < 40; i++ {
		raw, _ := tr.Observe("status")
		p := band.Scale(raw)
		assert.GreaterOrEqual(t, p, band.Low)
		assert.Less(t, p, band.High)
	}
}
