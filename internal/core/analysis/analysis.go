// Package analysis infers language, framework and runtime needs of a working
// copy from its file list and manifest contents. It performs no I/O; the
// shell reads the files named by WantsContent and passes them in a Snapshot.
package analysis

import (
	"encoding/json"
	"path"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/artpar/shipyard/internal/core/compose"
	"github.com/artpar/shipyard/internal/core/domain"
)

// Languages reported by Analyze.
const (
	LanguageNodeJS  = "nodejs"
	LanguagePython  = "python"
	LanguageGo      = "golang"
	LanguageJava    = "java"
	LanguageUnknown = "unknown"
)

// ExcludedDirs are never descended into while scanning.
var ExcludedDirs = map[string]bool{
	"node_modules": true,
	"venv":         true,
	".venv":        true,
	"__pycache__":  true,
	".git":         true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
}

var manifestFiles = map[string]bool{
	"package.json":        true,
	"requirements.txt":    true,
	"pyproject.toml":      true,
	"go.mod":              true,
	"pom.xml":             true,
	"build.gradle":        true,
	".env":                true,
	".env.example":        true,
	".env.sample":         true,
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
	"compose.yaml":        true,
	"compose.yml":         true,
}

// Snapshot is the input of Analyze.
type Snapshot struct {
	// Files are slash-separated paths relative to the working copy root.
	Files []string
	// Contents holds the root-level files for which WantsContent is true.
	Contents map[string]string
}

// WantsContent reports whether Analyze needs the content of relPath.
func WantsContent(relPath string) bool {
	return !strings.Contains(relPath, "/") && manifestFiles[relPath]
}

// =============================================================================
// Analyze
// =============================================================================

// Analyze derives the facts of a working copy. Problems reading individual
// manifests are returned as warnings; analysis itself never fails.
func Analyze(s Snapshot) (domain.AnalysisFacts, []string) {
	files := make(map[string]bool, len(s.Files))
	for _, f := range s.Files {
		files[f] = true
	}
	var warnings []string
	facts := domain.AnalysisFacts{
		Language:      LanguageUnknown,
		HasDockerfile: files["Dockerfile"],
	}

	switch {
	case s.has("package.json"):
		facts.Language = LanguageNodeJS
		w := analyzeNode(&facts, s.Contents["package.json"], files)
		warnings = append(warnings, w...)
	case s.has("requirements.txt") || s.has("pyproject.toml"):
		facts.Language = LanguagePython
		analyzePython(&facts, s.Contents["requirements.txt"], s.Contents["pyproject.toml"], s.Files, files)
	case s.has("go.mod"):
		facts.Language = LanguageGo
		w := analyzeGo(&facts, s.Contents["go.mod"], s.Files, files)
		warnings = append(warnings, w...)
	case s.has("pom.xml") || s.has("build.gradle"):
		facts.Language = LanguageJava
		manifest := s.Contents["pom.xml"] + s.Contents["build.gradle"]
		if strings.Contains(manifest, "spring-boot") {
			facts.Framework = "spring"
		}
	}

	facts.Database = DetectDatabase(facts.Dependencies)

	env := map[string]bool{}
	for _, name := range []string{".env", ".env.example", ".env.sample"} {
		keys, port := ParseEnvFile(s.Contents[name])
		for _, k := range keys {
			env[k] = true
		}
		if facts.Port == 0 && port > 0 {
			facts.Port = port
		}
	}

	for _, name := range []string{"docker-compose.yml", "docker-compose.yaml", "compose.yaml", "compose.yml"} {
		content, ok := s.Contents[name]
		if !ok {
			continue
		}
		services, err := compose.ParseServices(content)
		if err != nil {
			warnings = append(warnings, name+": "+err.Error())
			break
		}
		if facts.Database == "" {
			facts.Database = compose.DetectDatabase(services)
		}
		if facts.Port == 0 {
			facts.Port = compose.AppPort(services)
		}
		for _, k := range compose.EnvKeys(services) {
			env[k] = true
		}
		break
	}

	for k := range env {
		facts.EnvVars = append(facts.EnvVars, k)
	}
	sort.Strings(facts.EnvVars)

	if facts.Language == LanguageUnknown {
		warnings = append(warnings, "could not detect the project language; using the generic container spec")
	}
	return facts, warnings
}

func (s Snapshot) has(name string) bool {
	_, ok := s.Contents[name]
	return ok
}

// =============================================================================
// Node.js
// =============================================================================

type packageJSON struct {
	Main            string            `json:"main"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func analyzeNode(facts *domain.AnalysisFacts, content string, files map[string]bool) []string {
	var pkg packageJSON
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return []string{"package.json: " + err.Error()}
	}
	for dep := range pkg.Dependencies {
		facts.Dependencies = append(facts.Dependencies, dep)
	}
	sort.Strings(facts.Dependencies)

	switch {
	case pkg.Dependencies["next"] != "":
		facts.Framework = "nextjs"
	case pkg.Dependencies["@nestjs/core"] != "":
		facts.Framework = "nestjs"
	case pkg.Dependencies["express"] != "":
		facts.Framework = "express"
	case pkg.Dependencies["fastify"] != "":
		facts.Framework = "fastify"
	}

	switch {
	case pkg.Main != "" && files[pkg.Main]:
		facts.EntryPoint = pkg.Main
	case strings.HasPrefix(pkg.Scripts["start"], "node "):
		facts.EntryPoint = strings.Fields(pkg.Scripts["start"])[1]
	default:
		facts.EntryPoint = firstExisting(files, "server.js", "index.js", "app.js", "src/index.js", "src/server.js")
	}
	return nil
}

// =============================================================================
// Python
// =============================================================================

func analyzePython(facts *domain.AnalysisFacts, requirements, pyproject string, list []string, files map[string]bool) {
	facts.Dependencies = ParseRequirements(requirements)
	deps := map[string]bool{}
	for _, d := range facts.Dependencies {
		deps[d] = true
	}
	lowerProject := strings.ToLower(pyproject)

	has := func(name string) bool {
		return deps[name] || strings.Contains(lowerProject, `"`+name)
	}
	switch {
	case has("django"):
		facts.Framework = "django"
	case has("fastapi"):
		facts.Framework = "fastapi"
	case has("flask"):
		facts.Framework = "flask"
	}

	if facts.Framework == "django" {
		facts.EntryPoint = firstExisting(files, "manage.py")
		for _, f := range list {
			if path.Base(f) == "settings.py" && strings.Count(f, "/") == 1 {
				facts.Extra = map[string]string{"django_project": path.Dir(f)}
				break
			}
		}
		return
	}
	facts.EntryPoint = firstExisting(files, "app.py", "main.py", "wsgi.py", "server.py", "src/main.py", "app/main.py")
}

// ParseRequirements returns the lower-cased package names of a
// requirements.txt, skipping comments and pip options.
func ParseRequirements(content string) []string {
	var out []string
	seen := map[string]bool{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		end := strings.IndexAny(line, "=<>~![; #")
		if end >= 0 {
			line = line[:end]
		}
		name := strings.ToLower(strings.TrimSpace(line))
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// =============================================================================
// Go
// =============================================================================

var goFrameworks = []struct {
	module    string
	framework string
}{
	{"github.com/gin-gonic/gin", "gin"},
	{"github.com/labstack/echo", "echo"},
	{"github.com/gofiber/fiber", "fiber"},
	{"github.com/go-chi/chi", "chi"},
	{"github.com/gorilla/mux", "mux"},
}

func analyzeGo(facts *domain.AnalysisFacts, content string, list []string, files map[string]bool) []string {
	mf, err := modfile.ParseLax("go.mod", []byte(content), nil)
	if err != nil {
		return []string{"go.mod: " + err.Error()}
	}
	for _, r := range mf.Require {
		if r.Indirect {
			continue
		}
		facts.Dependencies = append(facts.Dependencies, r.Mod.Path)
	}
	if mf.Module != nil {
		facts.Extra = map[string]string{"module": mf.Module.Mod.Path}
	}
	for _, fw := range goFrameworks {
		for _, dep := range facts.Dependencies {
			if strings.HasPrefix(dep, fw.module) && facts.Framework == "" {
				facts.Framework = fw.framework
			}
		}
	}

	if files["main.go"] {
		facts.EntryPoint = "main.go"
		return nil
	}
	for _, f := range list {
		if strings.HasPrefix(f, "cmd/") && path.Base(f) == "main.go" && strings.Count(f, "/") == 2 {
			facts.EntryPoint = f
			return nil
		}
	}
	facts.EntryPoint = "main.go"
	return nil
}

// =============================================================================
// Shared Rules
// =============================================================================

var databaseDeps = []struct {
	fragment string
	database string
}{
	{"psycopg", "postgresql"},
	{"asyncpg", "postgresql"},
	{"jackc/pgx", "postgresql"},
	{"lib/pq", "postgresql"},
	{"pg", "postgresql"},
	{"mysql", "mysql"},
	{"pymongo", "mongodb"},
	{"mongoose", "mongodb"},
	{"mongodb", "mongodb"},
	{"redis", "redis"},
}

// DetectDatabase returns the database implied by dependency names, or "".
func DetectDatabase(deps []string) string {
	for _, d := range databaseDeps {
		for _, dep := range deps {
			name := strings.ToLower(dep)
			if d.fragment == "pg" {
				if name == "pg" {
					return d.database
				}
				continue
			}
			if strings.Contains(name, d.fragment) {
				return d.database
			}
		}
	}
	return ""
}

// ParseEnvFile returns the keys of a dotenv file and the PORT value if set.
func ParseEnvFile(content string) ([]string, int) {
	var keys []string
	port := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, _ := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		keys = append(keys, k)
		if k == "PORT" {
			if p, err := strconv.Atoi(strings.Trim(strings.TrimSpace(v), `"'`)); err == nil && p > 0 && p < 65536 {
				port = p
			}
		}
	}
	return keys, port
}

func firstExisting(files map[string]bool, candidates ...string) string {
	for _, c := range candidates {
		if files[c] {
			return c
		}
	}
	return ""
}
