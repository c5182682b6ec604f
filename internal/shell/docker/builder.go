package docker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Builder
// =============================================================================

// BuildConfig configures the Docker build backend.
type BuildConfig struct {
	Platform string `mapstructure:"platform"`
	NoCache  bool   `mapstructure:"no_cache"`
	// Push uploads the image after a successful build.
	Push             bool   `mapstructure:"push"`
	RegistryUser     string `mapstructure:"registry_user"`
	RegistryPassword string `mapstructure:"registry_password"`
}

// Builder implements the build backend on a Docker engine.
type Builder struct {
	docker Client
	config BuildConfig
	logger *slog.Logger
}

// NewBuilder creates a Docker build backend.
func NewBuilder(docker Client, config BuildConfig, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{docker: docker, config: config, logger: logger.With("component", "docker_builder")}
}

// Build tars the working copy, builds it and optionally pushes the image.
// Engine messages are forwarded to onLine.
func (b *Builder) Build(ctx context.Context, params domain.BuildParams, onLine func(string)) (domain.BuildResult, error) {
	logger := b.logger.With("run_id", params.RunID, "image", params.ImageRef)

	buildCtx, err := BuildContext(params.ContextDir)
	if err != nil {
		return domain.BuildResult{}, stageError("build", err)
	}
	dockerfile := params.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	logger.Info("building image", "context_bytes", buildCtx.Len())
	stream, err := b.docker.BuildImage(ctx, buildCtx, BuildOptions{
		Tags:       []string{params.ImageRef},
		Dockerfile: dockerfile,
		Platform:   b.config.Platform,
		NoCache:    b.config.NoCache,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelService: params.ServiceName,
			LabelRun:     params.RunID,
		},
	})
	if err != nil {
		return domain.BuildResult{}, stageError("build", err)
	}
	digest, err := readStream(stream, onLine)
	if err != nil {
		logger.Error("image build failed", "error", err)
		return domain.BuildResult{}, stageError("build", err)
	}

	if b.config.Push {
		pushed, err := b.push(ctx, params.ImageRef, onLine)
		if err != nil {
			logger.Error("image push failed", "error", err)
			return domain.BuildResult{}, stageError("push", err)
		}
		if pushed != "" {
			digest = pushed
		}
	}
	if onLine != nil {
		onLine("DONE")
	}

	logger.Info("image built", "digest", digest)
	return domain.BuildResult{ImageRef: params.ImageRef, Digest: digest}, nil
}

func (b *Builder) push(ctx context.Context, ref string, onLine func(string)) (string, error) {
	var opts PushOptions
	if b.config.RegistryUser != "" {
		auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username: b.config.RegistryUser,
			Password: b.config.RegistryPassword,
		})
		if err != nil {
			return "", NewDockerError("PushImage", "image", ref, "encode registry auth", err)
		}
		opts.RegistryAuth = auth
	}
	if onLine != nil {
		onLine("Pushing " + ref)
	}
	stream, err := b.docker.PushImage(ctx, ref, opts)
	if err != nil {
		return "", err
	}
	digest, err := readStream(stream, onLine)
	if err != nil {
		return "", NewDockerError("PushImage", "image", ref, err.Error(), ErrImagePushFailed)
	}
	return digest, nil
}

// =============================================================================
// Message Stream
// =============================================================================

// auxPayload carries the image ID of a build or the digest of a push.
type auxPayload struct {
	ID     string `json:"ID"`
	Digest string `json:"Digest"`
}

// readStream decodes an engine JSON message stream, forwarding its text one
// line at a time, and returns the image digest it reported. An error
// message in the stream fails the read.
func readStream(stream io.ReadCloser, onLine func(string)) (string, error) {
	defer stream.Close()

	var digest string
	dec := json.NewDecoder(stream)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return digest, nil
			}
			return digest, NewDockerError("ReadStream", "image", "", err.Error(), ErrConnectionFailed)
		}
		if msg.Error != nil {
			return digest, NewDockerError("ReadStream", "image", "", msg.Error.Message, ErrImageBuild)
		}
		if msg.ErrorMessage != "" {
			return digest, NewDockerError("ReadStream", "image", "", msg.ErrorMessage, ErrImageBuild)
		}
		if msg.Aux != nil {
			var aux auxPayload
			if json.Unmarshal(*msg.Aux, &aux) == nil {
				if aux.Digest != "" {
					digest = aux.Digest
				} else if aux.ID != "" {
					digest = aux.ID
				}
			}
		}
		if onLine == nil {
			continue
		}
		switch {
		case msg.Stream != "":
			for _, line := range strings.Split(strings.TrimRight(msg.Stream, "\n"), "\n") {
				if strings.TrimSpace(line) != "" {
					onLine(line)
				}
			}
		case msg.Status != "" && msg.Progress == nil:
			if msg.ID != "" {
				onLine(msg.Status + " " + msg.ID)
			} else {
				onLine(msg.Status)
			}
		}
	}
}
