package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webWithPostgres = `
services:
  web:
    build: .
    ports:
      - "8000:8000"
    environment:
      DATABASE_URL: postgres://db/app
      SECRET_KEY: changeme
    depends_on:
      - db
  db:
    image: postgres:16
    environment:
      POSTGRES_PASSWORD: example
  cache:
    image: redis:7-alpine
`

// =============================================================================
// ParseServices Tests
// =============================================================================

func TestParseServices(t *testing.T) {
	services, err := ParseServices(webWithPostgres)
	require.NoError(t, err)
	require.Len(t, services, 3)

	assert.Equal(t, "cache", services[0].Name)
	assert.Equal(t, "db", services[1].Name)
	assert.Equal(t, "web", services[2].Name)

	web := services[2]
	assert.True(t, web.HasBuild)
	assert.Equal(t, []uint32{8000}, web.Ports)
	assert.Equal(t, "postgres://db/app", web.Environment["DATABASE_URL"])
}

func TestParseServices_EmptyInput(t *testing.T) {
	_, err := ParseServices("   \n")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestParseServices_InvalidYAML(t *testing.T) {
	_, err := ParseServices("services: [unclosed")
	assert.ErrorIs(t, err, ErrInvalidYAML)

	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

// =============================================================================
// Detection Tests
// =============================================================================

func TestDetectDatabase(t *testing.T) {
	services, err := ParseServices(webWithPostgres)
	require.NoError(t, err)

	// Sorted by name, so cache is checked before db.
	assert.Equal(t, "redis", DetectDatabase(services))
	assert.Equal(t, "postgresql", DetectDatabase(services[1:]))
}

func TestDetectDatabase_IgnoresBuiltServices(t *testing.T) {
	services := []Service{{Name: "mongo-proxy", Image: "mongo-proxy", HasBuild: true}}
	assert.Equal(t, "", DetectDatabase(services))
}

func TestDetectDatabase_Table(t *testing.T) {
	tests := []struct {
		image string
		want  string
	}{
		{"mariadb:11", "mysql"},
		{"bitnami/mongodb:7", "mongodb"},
		{"postgis/postgis:16-3.4", "postgresql"},
		{"nginx:1.27", ""},
	}
	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectDatabase([]Service{{Name: "x", Image: tt.image}}))
		})
	}
}

func TestAppPortAndEnvKeys(t *testing.T) {
	services, err := ParseServices(webWithPostgres)
	require.NoError(t, err)

	assert.Equal(t, 8000, AppPort(services))
	assert.Equal(t, []string{"DATABASE_URL", "SECRET_KEY"}, EnvKeys(services))
}

func TestAppPort_NoBuiltService(t *testing.T) {
	assert.Equal(t, 0, AppPort([]Service{{Name: "db", Image: "postgres:16", Ports: []uint32{5432}}}))
}
