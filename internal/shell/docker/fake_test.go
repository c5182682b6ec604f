package docker

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

// =============================================================================
// Fake Client
// =============================================================================

// fakeClient is an in-memory Client. Containers get a host port on start.
type fakeClient struct {
	mu         sync.Mutex
	containers map[string]*ContainerInfo
	specs      map[string]ContainerSpec
	removed    []string
	nextID     int

	buildStream string
	pushStream  string
	buildOpts   BuildOptions
	buildTar    []byte
	pushOpts    PushOptions
	logs        string

	// statuses is consumed by InspectContainer before settling on running.
	statuses []ContainerInfo
	startErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{containers: map[string]*ContainerInfo{}, specs: map[string]ContainerSpec{}}
}

func (f *fakeClient) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.Name == spec.Name {
			return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
		}
	}
	f.nextID++
	id := strings.Repeat(string(rune('a'+f.nextID)), 16)
	f.containers[id] = &ContainerInfo{ID: id, Name: spec.Name, Image: spec.Image, Status: ContainerStatusCreated, Labels: spec.Labels}
	f.specs[id] = spec
	return id, nil
}

func (f *fakeClient) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return NewDockerError("StartContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	c.Status = ContainerStatusRunning
	for _, p := range f.specs[id].Ports {
		c.Ports = append(c.Ports, PortBinding{ContainerPort: p.ContainerPort, HostPort: 32768, Protocol: "tcp"})
	}
	return nil
}

func (f *fakeClient) StopContainer(_ context.Context, id string, _ *time.Duration) error {
	return nil
}

func (f *fakeClient) RemoveContainer(_ context.Context, id string, _ RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return NewDockerError("RemoveContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeClient) InspectContainer(_ context.Context, id string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, NewDockerError("InspectContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	if len(f.statuses) > 0 {
		s := f.statuses[0]
		f.statuses = f.statuses[1:]
		cp := *c
		cp.Status, cp.Health, cp.ExitCode = s.Status, s.Health, s.ExitCode
		return &cp, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeClient) ListContainers(_ context.Context, opts ListOptions) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := opts.Filters["label"]
	var out []ContainerInfo
	for _, c := range f.containers {
		k, v, _ := strings.Cut(want, "=")
		if want == "" || c.Labels[k] == v {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeClient) ContainerLogs(_ context.Context, id string, _ LogOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	_, _ = w.Write([]byte(f.logs))
	return io.NopCloser(&buf), nil
}

func (f *fakeClient) BuildImage(_ context.Context, buildContext io.Reader, opts BuildOptions) (io.ReadCloser, error) {
	f.buildOpts = opts
	f.buildTar, _ = io.ReadAll(buildContext)
	return io.NopCloser(strings.NewReader(f.buildStream)), nil
}

func (f *fakeClient) PushImage(_ context.Context, ref string, opts PushOptions) (io.ReadCloser, error) {
	f.pushOpts = opts
	return io.NopCloser(strings.NewReader(f.pushStream)), nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }
func (f *fakeClient) Close() error               { return nil }
