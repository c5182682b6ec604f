package artifacts

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

type putCall struct {
	bucket, object, contentType string
	body                        string
}

type fakeAPI struct {
	puts      []putCall
	buckets   map[string]bool
	putErr    error
	makeCalls int
}

func (f *fakeAPI) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeAPI) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.makeCalls++
	if f.buckets[bucket] {
		return errors.New("BucketAlreadyOwnedByYou")
	}
	f.buckets[bucket] = true
	return nil
}

func (f *fakeAPI) PutObject(_ context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	body, _ := io.ReadAll(r)
	f.puts = append(f.puts, putCall{bucket: bucket, object: object, contentType: opts.ContentType, body: string(body)})
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func newTestStore(api *fakeAPI) *Store {
	return newStore(api, Config{Endpoint: "localhost:9000", Bucket: "shipyard", Prefix: "dev"}, nil)
}

// =============================================================================
// Store Tests
// =============================================================================

func TestNewStore_NotConfigured(t *testing.T) {
	_, err := NewStore(Config{Endpoint: "localhost:9000"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStore_EnsureBucket(t *testing.T) {
	api := &fakeAPI{buckets: map[string]bool{}}
	s := newTestStore(api)

	require.NoError(t, s.EnsureBucket(context.Background()))
	require.NoError(t, s.EnsureBucket(context.Background()))
	assert.Equal(t, 2, api.makeCalls)
	assert.True(t, api.buckets["shipyard"])
}

func TestStore_PutDockerfile(t *testing.T) {
	api := &fakeAPI{buckets: map[string]bool{}}
	s := newTestStore(api)

	uri, err := s.PutDockerfile(context.Background(), "run-1", "FROM python:3.12-slim\n")
	require.NoError(t, err)
	assert.Equal(t, "s3://shipyard/dev/runs/run-1/Dockerfile", uri)
	require.Len(t, api.puts, 1)
	assert.Equal(t, "FROM python:3.12-slim\n", api.puts[0].body)
	assert.Equal(t, "text/plain; charset=utf-8", api.puts[0].contentType)
}

func TestStore_PutReport_MasksEnv(t *testing.T) {
	api := &fakeAPI{buckets: map[string]bool{}}
	s := newTestStore(api)
	run := domain.NewPipelineRun("shop", "https://github.com/acme/shop", domain.RunOptions{
		EnvVars: map[string]string{"API_KEY": "sk-live-123"},
	})
	require.NoError(t, run.Succeed(domain.DeployResult{URL: "https://shop.example.com"}))

	uri, err := s.PutReport(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, "s3://shipyard/dev/runs/"+run.ID+"/report.json", uri)

	body := api.puts[0].body
	assert.Contains(t, body, `"API_KEY": "***"`)
	assert.NotContains(t, body, "sk-live-123")
	assert.Contains(t, body, "https://shop.example.com")
	assert.Equal(t, "sk-live-123", run.Options.EnvVars["API_KEY"], "run is not modified")
}

func TestStore_PutFails(t *testing.T) {
	api := &fakeAPI{buckets: map[string]bool{}, putErr: errors.New("connection refused")}
	s := newTestStore(api)

	_, err := s.PutDockerfile(context.Background(), "run-1", "FROM x")
	assert.ErrorContains(t, err, "connection refused")
}
