// Package containerspec renders the container build definition for an
// analyzed working copy. It is pure: writing the files is the caller's job.
package containerspec

import (
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/valyala/fasttemplate"

	"github.com/artpar/shipyard/internal/core/domain"
)

// DefaultPort is used when analysis found no port.
const DefaultPort = 8080

// GenericTemplate names the universal static-site fallback.
const GenericTemplate = "generic"

// Generate selects a template for the facts and renders it. A framework
// template wins over a language template, which wins over the generic one.
func Generate(facts domain.AnalysisFacts) (domain.ContainerSpec, error) {
	port := facts.Port
	if port <= 0 {
		port = DefaultPort
	}

	key := facts.TemplateKey()
	tpl, ok := frameworkTemplates[key]
	generic := false
	var optimizations []string
	if ok {
		optimizations = append(optimizations, templateOptimizations...)
	} else if tpl, ok = languageTemplates[facts.Language]; ok {
		key = facts.Language
		generic = true
		optimizations = []string{"generic " + facts.Language + " image"}
	} else {
		tpl = staticTemplate
		key = GenericTemplate
		generic = true
		port = DefaultPort
		optimizations = []string{"static file server fallback"}
	}

	dockerfile, err := render(tpl, placeholders(facts, port))
	if err != nil {
		return domain.ContainerSpec{}, domain.Configuration("generate_spec", "render template "+key, err)
	}

	return domain.ContainerSpec{
		Dockerfile:    dockerfile,
		Dockerignore:  Dockerignore(facts.Language),
		Template:      key,
		Generic:       generic,
		Port:          port,
		Optimizations: optimizations,
	}, nil
}

// Dockerignore returns the ignore file for a language, defaulting to python's.
func Dockerignore(language string) string {
	if tpl, ok := dockerignoreTemplates[strings.ToLower(language)]; ok {
		return tpl
	}
	return dockerignoreTemplates["python"]
}

// HasTemplate reports whether a dedicated framework template exists for key.
func HasTemplate(key string) bool {
	_, ok := frameworkTemplates[key]
	return ok
}

func render(tpl string, values map[string]string) (string, error) {
	t, err := fasttemplate.NewTemplate(tpl, "{{", "}}")
	if err != nil {
		return "", err
	}
	return t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		v, ok := values[tag]
		if !ok {
			return 0, fmt.Errorf("unknown placeholder %q", tag)
		}
		return w.Write([]byte(v))
	})
}

func placeholders(facts domain.AnalysisFacts, port int) map[string]string {
	entry := facts.EntryPoint
	if entry == "" {
		entry = defaultEntryPoint(facts.Language)
	}
	return map[string]string{
		"port":         strconv.Itoa(port),
		"entry_point":  entry,
		"entry_module": entryModule(entry),
		"project":      djangoProject(facts),
		"build_target": goBuildTarget(entry),
	}
}

func defaultEntryPoint(language string) string {
	switch language {
	case "nodejs":
		return "index.js"
	case "golang":
		return "main.go"
	default:
		return "app.py"
	}
}

// entryModule turns "src/app.py" into the import path "src.app".
func entryModule(entry string) string {
	entry = strings.TrimSuffix(entry, path.Ext(entry))
	return strings.ReplaceAll(strings.Trim(entry, "/"), "/", ".")
}

func djangoProject(facts domain.AnalysisFacts) string {
	if p := facts.Extra["django_project"]; p != "" {
		return p
	}
	return "config"
}

// goBuildTarget is the package directory containing the entry file.
func goBuildTarget(entry string) string {
	dir := path.Dir(entry)
	if dir == "." || dir == "" {
		return "."
	}
	return "./" + dir
}
