package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

type scriptedRun struct {
	lines []string
	err   error
}

type fakeRunner struct {
	specs   []Spec
	scripts []scriptedRun
}

func (f *fakeRunner) Run(_ context.Context, spec Spec, onLine func(string)) (Output, error) {
	f.specs = append(f.specs, spec)
	var s scriptedRun
	if len(f.scripts) > 0 {
		s = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	for _, l := range s.lines {
		if onLine != nil {
			onLine(l)
		}
	}
	return Output{Tail: s.lines}, s.err
}

func deployParams() domain.DeployParams {
	return domain.DeployParams{
		RunID:       "run-1",
		ServiceName: "shop-api",
		ImageRef:    "gcr.io/p/shop-api:abc",
		Port:        8080,
		Region:      "us-central1",
		EnvVars:     map[string]string{"B": "2", "A": "secret-1"},
		Resources: domain.ResourceConfig{
			CPU: "1", Memory: "512Mi", MinInstances: 0, MaxInstances: 10, Concurrency: 80, TimeoutSecs: 300,
		},
	}
}

// =============================================================================
// Render Tests
// =============================================================================

func TestRender(t *testing.T) {
	args, err := render([]string{"run", "{{service}}", "--port={{port}}", "plain"}, map[string]string{
		"service": "api", "port": "80",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "api", "--port=80", "plain"}, args)
}

func TestRender_UnknownPlaceholder(t *testing.T) {
	_, err := render([]string{"{{nope}}"}, map[string]string{})
	assert.Error(t, err)
}

func TestEnvArg_Sorted(t *testing.T) {
	assert.Equal(t, "A=1,B=2", EnvArg(map[string]string{"B": "2", "A": "1"}))
	assert.Equal(t, "", EnvArg(nil))
}

// =============================================================================
// Builder Tests
// =============================================================================

func TestBuilder_Build(t *testing.T) {
	digest := "sha256:" + strings.Repeat("a", 64)
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"Step 1/2 : FROM x", "DONE " + digest}}}}
	b := NewBuilder(runner, GCloudConfig("proj"), nil)

	var got []string
	res, err := b.Build(context.Background(), domain.BuildParams{
		RunID: "run-1", ServiceName: "api", ContextDir: "/work/api", ImageRef: "gcr.io/proj/api:1",
	}, func(l string) { got = append(got, l) })

	require.NoError(t, err)
	assert.Equal(t, "gcr.io/proj/api:1", res.ImageRef)
	assert.Equal(t, digest, res.Digest)
	assert.Len(t, got, 2)

	require.Len(t, runner.specs, 1)
	spec := runner.specs[0]
	assert.Equal(t, "gcloud", spec.Name)
	assert.Equal(t, "/work/api", spec.Dir)
	assert.Contains(t, spec.Args, "gcr.io/proj/api:1")
	assert.Equal(t, "/work/api", spec.Args[len(spec.Args)-1])
}

func TestBuilder_ClassifiesFailure(t *testing.T) {
	runner := &fakeRunner{scripts: []scriptedRun{{
		err: &ExitError{Command: "gcloud", ExitCode: 1, Tail: []string{"connection reset by peer"}, Err: errors.New("exit 1")},
	}}}
	b := NewBuilder(runner, GCloudConfig("proj"), nil)

	_, err := b.Build(context.Background(), domain.BuildParams{ImageRef: "x"}, nil)
	assert.True(t, domain.IsRetryable(err))
}

func TestBuilder_NoCommand(t *testing.T) {
	b := NewBuilder(&fakeRunner{}, Config{}, nil)
	_, err := b.Build(context.Background(), domain.BuildParams{}, nil)
	assert.Equal(t, domain.KindConfiguration, domain.Classify(err))
}

// =============================================================================
// Deployer Tests
// =============================================================================

func TestDeployer_Deploy(t *testing.T) {
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{
		"Deploying container to Cloud Run service [shop-api]",
		"Service URL: https://shop-api-xyz.a.run.app",
	}}}}
	d := NewDeployer(runner, GCloudConfig("proj"), nil)

	res, err := d.Deploy(context.Background(), deployParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://shop-api-xyz.a.run.app", res.URL)
	assert.Equal(t, "us-central1", res.Region)

	spec := runner.specs[0]
	joined := strings.Join(spec.Args, " ")
	assert.Contains(t, joined, "deploy shop-api --image gcr.io/p/shop-api:abc")
	assert.Contains(t, joined, "--memory 512Mi")
	assert.Contains(t, joined, "--max-instances 10")
	assert.Equal(t, []string{"--set-env-vars", "A=secret-1,B=2"}, spec.Args[len(spec.Args)-2:])
	assert.Contains(t, spec.Redact, "secret-1")
}

func TestDeployer_DescribesURLWhenMissing(t *testing.T) {
	runner := &fakeRunner{scripts: []scriptedRun{
		{lines: []string{"Done."}},
		{lines: []string{"https://shop-api-xyz.a.run.app"}},
	}}
	d := NewDeployer(runner, GCloudConfig("proj"), nil)

	res, err := d.Deploy(context.Background(), deployParams(), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://shop-api-xyz.a.run.app", res.URL)
	require.Len(t, runner.specs, 2)
	assert.Contains(t, runner.specs[1].Args, "describe")
}

func TestDeployer_NoURL(t *testing.T) {
	cfg := GCloudConfig("proj")
	cfg.URL = nil
	d := NewDeployer(&fakeRunner{scripts: []scriptedRun{{lines: []string{"Done."}}}}, cfg, nil)

	_, err := d.Deploy(context.Background(), deployParams(), nil)
	assert.Equal(t, domain.KindBackend, domain.Classify(err))
}

func TestDeployer_Logs(t *testing.T) {
	runner := &fakeRunner{scripts: []scriptedRun{{lines: []string{"l1", "l2", "l3"}}}}
	d := NewDeployer(runner, GCloudConfig("proj"), nil)

	lines, err := d.Logs(context.Background(), "shop-api", "us-central1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"l2", "l3"}, lines)
	assert.Contains(t, runner.specs[0].Args, "2")
}

func TestDeployer_LogsNotConfigured(t *testing.T) {
	d := NewDeployer(&fakeRunner{}, Config{}, nil)
	_, err := d.Logs(context.Background(), "x", "", 10)
	assert.Equal(t, domain.KindConfiguration, domain.Classify(err))
}
