package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/resources"
)

// Deploy defaults.
const (
	DefaultPublicHost    = "localhost"
	DefaultHealthTimeout = 60 * time.Second
	DefaultPollInterval  = time.Second
	ContainerPrefix      = "shipyard-"
)

// DeployConfig configures the Docker deploy backend.
type DeployConfig struct {
	// PublicHost is the host name used in service URLs.
	PublicHost    string        `mapstructure:"public_host"`
	HostIP        string        `mapstructure:"host_ip"`
	Network       string        `mapstructure:"network"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// =============================================================================
// Deployer
// =============================================================================

// Deployer runs images as long-lived containers with a published port.
// Each service has exactly one container; deploying replaces it.
type Deployer struct {
	docker Client
	config DeployConfig
	logger *slog.Logger
}

// NewDeployer creates a Docker deploy backend.
func NewDeployer(docker Client, config DeployConfig, logger *slog.Logger) *Deployer {
	if config.PublicHost == "" {
		config.PublicHost = DefaultPublicHost
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = DefaultHealthTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{docker: docker, config: config, logger: logger.With("component", "docker_deployer")}
}

// ContainerName returns the container name of a service.
func ContainerName(serviceName string) string {
	return ContainerPrefix + serviceName
}

// Deploy replaces the service container and waits until it runs.
func (d *Deployer) Deploy(ctx context.Context, params domain.DeployParams, onLine func(string)) (domain.DeployResult, error) {
	logger := d.logger.With("run_id", params.RunID, "service", params.ServiceName)
	say := func(line string) {
		if onLine != nil {
			onLine(line)
		}
	}

	limits, err := limitsOf(params.Resources)
	if err != nil {
		return domain.DeployResult{}, err
	}

	say("Preparing service " + params.ServiceName)
	if err := d.removeExisting(ctx, params.ServiceName, say); err != nil {
		return domain.DeployResult{}, stageError("deploy", err)
	}

	spec := ContainerSpec{
		Name:  ContainerName(params.ServiceName),
		Image: params.ImageRef,
		Env:   make(map[string]string, len(params.EnvVars)+1),
		Labels: map[string]string{
			LabelManaged: "true",
			LabelService: params.ServiceName,
			LabelRun:     params.RunID,
		},
		Ports:         []PortBinding{{ContainerPort: params.Port, HostIP: d.config.HostIP}},
		Network:       d.config.Network,
		RestartPolicy: RestartPolicy{Name: "unless-stopped"},
		Resources:     limits,
	}
	for k, v := range params.EnvVars {
		spec.Env[k] = v
	}
	spec.Env["PORT"] = strconv.Itoa(params.Port)

	say("Creating container " + spec.Name)
	id, err := d.docker.CreateContainer(ctx, spec)
	if err != nil {
		return domain.DeployResult{}, stageError("deploy", err)
	}

	say("Starting container " + shortID(id))
	if err := d.docker.StartContainer(ctx, id); err != nil {
		d.cleanup(id)
		return domain.DeployResult{}, stageError("deploy", err)
	}

	say("Waiting for container to become ready")
	info, err := d.WaitForRunning(ctx, id)
	if err != nil {
		logger.Error("container did not become ready", "container_id", shortID(id), "error", err)
		d.cleanup(id)
		return domain.DeployResult{}, stageError("deploy", err)
	}

	hostPort := info.HostPort(params.Port)
	if hostPort == 0 {
		d.cleanup(id)
		return domain.DeployResult{}, domain.Backend("deploy", fmt.Sprintf("port %d was not published", params.Port), nil)
	}
	url := fmt.Sprintf("http://%s:%d", d.config.PublicHost, hostPort)
	say("Service is running at " + url)

	logger.Info("service deployed", "container_id", shortID(id), "url", url)
	return domain.DeployResult{URL: url, Region: params.Region}, nil
}

func limitsOf(cfg domain.ResourceConfig) (ResourceLimits, error) {
	var limits ResourceLimits
	if cfg.CPU != "" {
		cpu, err := resources.CPUs(cfg.CPU)
		if err != nil {
			return limits, domain.Configuration("deploy", err.Error(), nil)
		}
		limits.CPULimit = cpu
	}
	if cfg.Memory != "" {
		mem, err := resources.MemoryBytes(cfg.Memory)
		if err != nil {
			return limits, domain.Configuration("deploy", err.Error(), nil)
		}
		limits.MemoryLimit = mem
	}
	return limits, nil
}

func (d *Deployer) removeExisting(ctx context.Context, serviceName string, say func(string)) error {
	containers, err := d.docker.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: map[string]string{"label": LabelService + "=" + serviceName},
	})
	if err != nil {
		return err
	}
	for _, c := range containers {
		say("Replacing container " + shortID(c.ID))
		err := d.docker.RemoveContainer(ctx, c.ID, RemoveOptions{Force: true})
		if err != nil && !errors.Is(err, ErrContainerNotFound) {
			return err
		}
	}
	return nil
}

// cleanup removes a container that failed to come up. It runs on its own
// context so a cancelled run still leaves nothing behind.
func (d *Deployer) cleanup(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.docker.RemoveContainer(ctx, id, RemoveOptions{Force: true}); err != nil && !errors.Is(err, ErrContainerNotFound) {
		d.logger.Warn("failed to remove container", "container_id", shortID(id), "error", err)
	}
}

// =============================================================================
// Wait for Running
// =============================================================================

// WaitForRunning polls a container until it runs and, when it has a health
// check, reports healthy.
func (d *Deployer) WaitForRunning(ctx context.Context, id string) (*ContainerInfo, error) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(d.config.HealthTimeout)

	for {
		info, err := d.docker.InspectContainer(ctx, id)
		if err != nil {
			return nil, err
		}
		switch info.Status {
		case ContainerStatusExited, ContainerStatusDead:
			msg := fmt.Sprintf("container exited with code %d", info.ExitCode)
			if tail := d.lastLines(ctx, id, 5); len(tail) > 0 {
				msg += ": " + strings.Join(tail, " | ")
			}
			return nil, NewDockerError("WaitForRunning", "container", shortID(id), msg, ErrContainerExited)
		case ContainerStatusRunning:
			switch info.Health {
			case "", "healthy":
				return info, nil
			case "unhealthy":
				return nil, NewDockerError("WaitForRunning", "container", shortID(id), "health check failed", ErrContainerUnhealthy)
			}
		}

		if time.Now().After(deadline) {
			return nil, NewDockerError("WaitForRunning", "container", shortID(id), "timeout waiting for container", ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Logs
// =============================================================================

// Logs returns up to limit recent log lines of a service container. region
// is ignored.
func (d *Deployer) Logs(ctx context.Context, serviceName, region string, limit int) ([]string, error) {
	containers, err := d.docker.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: map[string]string{"label": LabelService + "=" + serviceName},
	})
	if err != nil {
		return nil, stageError("logs", err)
	}
	if len(containers) == 0 {
		return nil, domain.Configuration("logs", "service "+serviceName+" is not deployed", ErrContainerNotFound)
	}
	lines, err := d.readLogs(ctx, containers[0].ID, limit)
	if err != nil {
		return nil, stageError("logs", err)
	}
	return lines, nil
}

func (d *Deployer) lastLines(ctx context.Context, id string, n int) []string {
	lines, err := d.readLogs(ctx, id, n)
	if err != nil {
		return nil
	}
	return lines
}

func (d *Deployer) readLogs(ctx context.Context, id string, limit int) ([]string, error) {
	tail := "all"
	if limit > 0 {
		tail = strconv.Itoa(limit)
	}
	reader, err := d.docker.ContainerLogs(ctx, id, LogOptions{Tail: tail})
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil {
		return nil, NewDockerError("ContainerLogs", "container", shortID(id), err.Error(), err)
	}
	var lines []string
	for _, l := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
