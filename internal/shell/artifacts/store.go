// Package artifacts uploads generated Dockerfiles and run reports to an
// S3-compatible object store.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/artpar/shipyard/internal/core/domain"
)

// ErrNotConfigured is returned by NewStore without an endpoint or bucket.
var ErrNotConfigured = errors.New("artifact store is not configured")

// Config configures the object store.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	// Prefix is prepended to every object name.
	Prefix string `mapstructure:"prefix"`
}

// Enabled reports whether enough is configured to create a store.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// objectAPI is the part of *minio.Client the store uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Store keeps run artifacts under <prefix>/runs/<run id>/.
type Store struct {
	api    objectAPI
	config Config
	logger *slog.Logger
}

// NewStore connects to the configured endpoint.
func NewStore(config Config, logger *slog.Logger) (*Store, error) {
	if !config.Enabled() {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return newStore(client, config, logger), nil
}

func newStore(api objectAPI, config Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{api: api, config: config, logger: logger.With("component", "artifacts")}
}

// EnsureBucket creates the bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	err := s.api.MakeBucket(ctx, s.config.Bucket, minio.MakeBucketOptions{Region: s.config.Region})
	if err == nil {
		s.logger.Info("bucket created", "bucket", s.config.Bucket)
		return nil
	}
	exists, existsErr := s.api.BucketExists(ctx, s.config.Bucket)
	if existsErr == nil && exists {
		return nil
	}
	return fmt.Errorf("ensure bucket %s: %w", s.config.Bucket, err)
}

func (s *Store) objectName(runID, name string) string {
	return path.Join(s.config.Prefix, "runs", runID, name)
}

func (s *Store) put(ctx context.Context, object, contentType string, data []byte) (string, error) {
	info, err := s.api.PutObject(ctx, s.config.Bucket, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	s.logger.Debug("artifact uploaded", "object", object, "bytes", info.Size)
	return "s3://" + s.config.Bucket + "/" + object, nil
}

// PutDockerfile uploads the generated Dockerfile of a run.
func (s *Store) PutDockerfile(ctx context.Context, runID, content string) (string, error) {
	return s.put(ctx, s.objectName(runID, "Dockerfile"), "text/plain; charset=utf-8", []byte(content))
}

// PutReport uploads the run record as JSON. Environment values are
// replaced with a mask.
func (s *Store) PutReport(ctx context.Context, run *domain.PipelineRun) (string, error) {
	data, err := json.MarshalIndent(run.Redacted(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	return s.put(ctx, s.objectName(run.ID, "report.json"), "application/json", data)
}
