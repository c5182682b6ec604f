package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Language & Framework Tests
// =============================================================================

func TestAnalyze_NodeExpress(t *testing.T) {
	facts, warnings := Analyze(Snapshot{
		Files: []string{"package.json", "server.js", "routes/api.js", ".env.example"},
		Contents: map[string]string{
			"package.json": `{"name":"api","scripts":{"start":"node server.js"},"dependencies":{"express":"^4.19.0","mongoose":"^8.0.0"}}`,
			".env.example": "MONGO_URL=\nPORT=3000\n# comment\n",
		},
	})

	assert.Empty(t, warnings)
	assert.Equal(t, LanguageNodeJS, facts.Language)
	assert.Equal(t, "express", facts.Framework)
	assert.Equal(t, "server.js", facts.EntryPoint)
	assert.Equal(t, []string{"express", "mongoose"}, facts.Dependencies)
	assert.Equal(t, "mongodb", facts.Database)
	assert.Equal(t, 3000, facts.Port)
	assert.Equal(t, []string{"MONGO_URL", "PORT"}, facts.EnvVars)
	assert.Equal(t, "nodejs_express", facts.TemplateKey())
}

func TestAnalyze_NodeNextWinsOverExpress(t *testing.T) {
	facts, _ := Analyze(Snapshot{
		Files:    []string{"package.json"},
		Contents: map[string]string{"package.json": `{"dependencies":{"next":"14.0.0","express":"4.0.0"}}`},
	})
	assert.Equal(t, "nextjs", facts.Framework)
}

func TestAnalyze_NodeInvalidPackageJSON(t *testing.T) {
	facts, warnings := Analyze(Snapshot{
		Files:    []string{"package.json"},
		Contents: map[string]string{"package.json": `{not json`},
	})
	assert.Equal(t, LanguageNodeJS, facts.Language)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "package.json")
}

func TestAnalyze_PythonFlask(t *testing.T) {
	facts, _ := Analyze(Snapshot{
		Files: []string{"requirements.txt", "app.py", "Dockerfile"},
		Contents: map[string]string{
			"requirements.txt": "Flask==3.0.0\ngunicorn>=21\npsycopg2-binary\n-r dev.txt\n",
		},
	})

	assert.Equal(t, LanguagePython, facts.Language)
	assert.Equal(t, "flask", facts.Framework)
	assert.Equal(t, "app.py", facts.EntryPoint)
	assert.Equal(t, "postgresql", facts.Database)
	assert.True(t, facts.HasDockerfile)
}

func TestAnalyze_PythonDjango(t *testing.T) {
	facts, _ := Analyze(Snapshot{
		Files:    []string{"requirements.txt", "manage.py", "mysite/settings.py", "mysite/wsgi.py"},
		Contents: map[string]string{"requirements.txt": "Django>=5.0\n"},
	})

	assert.Equal(t, "django", facts.Framework)
	assert.Equal(t, "manage.py", facts.EntryPoint)
	assert.Equal(t, "mysite", facts.Extra["django_project"])
}

func TestAnalyze_PythonPyproject(t *testing.T) {
	facts, _ := Analyze(Snapshot{
		Files: []string{"pyproject.toml", "src/main.py"},
		Contents: map[string]string{"pyproject.toml": `[project]
dependencies = ["fastapi>=0.110", "uvicorn"]`},
	})

	assert.Equal(t, LanguagePython, facts.Language)
	assert.Equal(t, "fastapi", facts.Framework)
	assert.Equal(t, "src/main.py", facts.EntryPoint)
}

func TestAnalyze_GoGin(t *testing.T) {
	facts, warnings := Analyze(Snapshot{
		Files: []string{"go.mod", "cmd/api/main.go", "internal/x.go"},
		Contents: map[string]string{"go.mod": `module example.com/api

go 1.22

require (
	github.com/gin-gonic/gin v1.10.0
	github.com/redis/go-redis/v9 v9.5.1
	golang.org/x/net v0.20.0 // indirect
)
`},
	})

	assert.Empty(t, warnings)
	assert.Equal(t, LanguageGo, facts.Language)
	assert.Equal(t, "gin", facts.Framework)
	assert.Equal(t, "cmd/api/main.go", facts.EntryPoint)
	assert.Equal(t, []string{"github.com/gin-gonic/gin", "github.com/redis/go-redis/v9"}, facts.Dependencies)
	assert.Equal(t, "redis", facts.Database)
	assert.Equal(t, "example.com/api", facts.Extra["module"])
}

func TestAnalyze_JavaSpring(t *testing.T) {
	facts, _ := Analyze(Snapshot{
		Files:    []string{"pom.xml"},
		Contents: map[string]string{"pom.xml": "<artifactId>spring-boot-starter-web</artifactId>"},
	})
	assert.Equal(t, LanguageJava, facts.Language)
	assert.Equal(t, "spring", facts.Framework)
}

func TestAnalyze_Unknown(t *testing.T) {
	facts, warnings := Analyze(Snapshot{Files: []string{"index.html"}})

	assert.Equal(t, LanguageUnknown, facts.Language)
	assert.Len(t, warnings, 1)
}

func TestAnalyze_ComposeFallbacks(t *testing.T) {
	facts, _ := Analyze(Snapshot{
		Files: []string{"requirements.txt", "main.py", "docker-compose.yml"},
		Contents: map[string]string{
			"requirements.txt": "fastapi\n",
			"docker-compose.yml": `services:
  api:
    build: .
    ports: ["8000:8000"]
    environment:
      DATABASE_URL: postgres://db/app
  db:
    image: postgres:16
`,
		},
	})

	assert.Equal(t, "postgresql", facts.Database)
	assert.Equal(t, 8000, facts.Port)
	assert.Equal(t, []string{"DATABASE_URL"}, facts.EnvVars)
}

func TestAnalyze_BadComposeIsWarning(t *testing.T) {
	_, warnings := Analyze(Snapshot{
		Files:    []string{"go.mod", "main.go", "compose.yaml"},
		Contents: map[string]string{"go.mod": "module x\n", "compose.yaml": "services: [oops"},
	})
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "compose.yaml")
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestParseRequirements(t *testing.T) {
	got := ParseRequirements("# deps\nrequests[security]>=2.0\nFlask==3.0\nflask\n--index-url x\nuvicorn ; python_version>'3'\n\n")
	assert.Equal(t, []string{"requests", "flask", "uvicorn"}, got)
}

func TestParseEnvFile(t *testing.T) {
	keys, port := ParseEnvFile("export API_KEY=x\nPORT=\"9000\"\nBROKEN\n=novalue\n")
	assert.Equal(t, []string{"API_KEY", "PORT"}, keys)
	assert.Equal(t, 9000, port)
}

func TestDetectDatabase(t *testing.T) {
	assert.Equal(t, "postgresql", DetectDatabase([]string{"pg"}))
	assert.Equal(t, "", DetectDatabase([]string{"pgadmin-tools"}))
	assert.Equal(t, "mysql", DetectDatabase([]string{"mysql2"}))
	assert.Equal(t, "", DetectDatabase(nil))
}

func TestWantsContent(t *testing.T) {
	assert.True(t, WantsContent("package.json"))
	assert.True(t, WantsContent(".env"))
	assert.False(t, WantsContent("sub/package.json"))
	assert.False(t, WantsContent("main.go"))
}
