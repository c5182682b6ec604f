package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipyard/internal/core/domain"
)

func writeContext(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func tarNames(t *testing.T, data []byte) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
}

// =============================================================================
// Build Context Tests
// =============================================================================

func TestBuildContext_HonorsDockerignore(t *testing.T) {
	dir := writeContext(t, map[string]string{
		"Dockerfile":        "FROM scratch",
		".dockerignore":     "*.log\nsecrets/\nDockerfile\n",
		"app.py":            "print(1)",
		"debug.log":         "noise",
		"secrets/key.pem":   "x",
		"pkg/module/mod.py": "y",
	})

	buf, err := BuildContext(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"Dockerfile", ".dockerignore", "app.py", "pkg/module/mod.py"},
		tarNames(t, buf.Bytes()))
}

func TestBuildContext_NoIgnoreFile(t *testing.T) {
	dir := writeContext(t, map[string]string{"Dockerfile": "FROM scratch", "a/b.txt": "b"})

	buf, err := BuildContext(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Dockerfile", "a/b.txt"}, tarNames(t, buf.Bytes()))
}

// =============================================================================
// Builder Tests
// =============================================================================

const buildOK = `{"stream":"Step 1/2 : FROM python:3.12-slim\n"}
{"status":"Pulling from library/python","id":"3.12-slim"}
{"status":"Downloading","progressDetail":{"current":1,"total":2},"progress":"[=>  ]","id":"abc"}
{"stream":"Step 2/2 : COPY . .\n"}
{"aux":{"ID":"sha256:1111"}}
{"stream":"Successfully tagged shop:latest\n"}
`

func TestBuilder_Build(t *testing.T) {
	fc := newFakeClient()
	fc.buildStream = buildOK
	b := NewBuilder(fc, BuildConfig{Platform: "linux/amd64"}, nil)
	dir := writeContext(t, map[string]string{"Dockerfile": "FROM python:3.12-slim"})

	var lines []string
	res, err := b.Build(context.Background(), domain.BuildParams{
		RunID: "run-1", ServiceName: "shop", ContextDir: dir, ImageRef: "shop:latest",
	}, func(l string) { lines = append(lines, l) })

	require.NoError(t, err)
	assert.Equal(t, "shop:latest", res.ImageRef)
	assert.Equal(t, "sha256:1111", res.Digest)
	assert.Equal(t, []string{
		"Step 1/2 : FROM python:3.12-slim",
		"Pulling from library/python 3.12-slim",
		"Step 2/2 : COPY . .",
		"Successfully tagged shop:latest",
		"DONE",
	}, lines)

	assert.Equal(t, []string{"shop:latest"}, fc.buildOpts.Tags)
	assert.Equal(t, "Dockerfile", fc.buildOpts.Dockerfile)
	assert.Equal(t, "linux/amd64", fc.buildOpts.Platform)
	assert.Equal(t, "run-1", fc.buildOpts.Labels[LabelRun])
	assert.Contains(t, tarNames(t, fc.buildTar), "Dockerfile")
}

func TestBuilder_StreamError(t *testing.T) {
	fc := newFakeClient()
	fc.buildStream = `{"stream":"Step 1/1 : RUN false\n"}
{"error":"The command '/bin/sh -c false' returned a non-zero code: 1","errorDetail":{"code":1,"message":"returned a non-zero code: 1"}}
`
	b := NewBuilder(fc, BuildConfig{}, nil)

	_, err := b.Build(context.Background(), domain.BuildParams{
		ContextDir: writeContext(t, map[string]string{"Dockerfile": "FROM x"}), ImageRef: "x",
	}, nil)

	require.Error(t, err)
	assert.Equal(t, domain.KindBackend, domain.Classify(err))
	assert.ErrorIs(t, err, ErrImageBuild)
	assert.Contains(t, err.Error(), "non-zero code")
}

func TestBuilder_Push(t *testing.T) {
	fc := newFakeClient()
	fc.buildStream = `{"aux":{"ID":"sha256:1111"}}` + "\n"
	fc.pushStream = `{"status":"Preparing","id":"layer1"}
{"status":"Pushed","id":"layer1"}
{"status":"latest: digest: sha256:2222 size: 1234"}
{"aux":{"Tag":"latest","Digest":"sha256:2222","Size":1234}}
`
	b := NewBuilder(fc, BuildConfig{Push: true, RegistryUser: "bot", RegistryPassword: "pw"}, nil)

	var lines []string
	res, err := b.Build(context.Background(), domain.BuildParams{
		ContextDir: writeContext(t, map[string]string{"Dockerfile": "FROM x"}), ImageRef: "registry.local/shop:1",
	}, func(l string) { lines = append(lines, l) })

	require.NoError(t, err)
	assert.Equal(t, "sha256:2222", res.Digest)
	assert.NotEmpty(t, fc.pushOpts.RegistryAuth)
	assert.Contains(t, lines, "Pushing registry.local/shop:1")
	assert.Equal(t, "DONE", lines[len(lines)-1])
}

func TestBuilder_MissingContext(t *testing.T) {
	b := NewBuilder(newFakeClient(), BuildConfig{}, nil)
	_, err := b.Build(context.Background(), domain.BuildParams{ContextDir: filepath.Join(t.TempDir(), "gone"), ImageRef: "x"}, nil)
	assert.Equal(t, domain.KindConfiguration, domain.Classify(err))
}

// =============================================================================
// Classification Tests
// =============================================================================

func TestStageError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"connection", NewDockerError("Ping", "", "", "down", ErrConnectionFailed), domain.KindTransientIO},
		{"timeout", NewDockerError("Wait", "", "", "slow", ErrTimeout), domain.KindTransientIO},
		{"image missing", NewDockerError("Create", "image", "x", "missing", ErrImageNotFound), domain.KindConfiguration},
		{"port taken", NewDockerError("Start", "container", "x", "taken", ErrPortAlreadyAllocated), domain.KindConfiguration},
		{"exited", NewDockerError("Wait", "container", "x", "exit 1", ErrContainerExited), domain.KindBackend},
		{"cancelled", context.Canceled, domain.KindCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.Classify(stageError("deploy", tt.err)))
		})
	}
	assert.NoError(t, stageError("x", nil))
	assert.True(t, strings.HasPrefix(stageError("deploy", ErrImageBuild).Error(), "deploy:"))
}
