package compose

import (
	"context"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Types
// =============================================================================

// Service is the subset of a compose service the analyzer cares about.
type Service struct {
	Name        string            `json:"name"`
	Image       string            `json:"image,omitempty"`
	HasBuild    bool              `json:"has_build"`
	Ports       []uint32          `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// databaseImages maps image name fragments to the database they provide.
var databaseImages = []struct {
	fragment string
	database string
}{
	{"postgres", "postgresql"},
	{"postgis", "postgresql"},
	{"mysql", "mysql"},
	{"mariadb", "mysql"},
	{"mongo", "mongodb"},
	{"redis", "redis"},
	{"valkey", "redis"},
}

// =============================================================================
// Parser Functions
// =============================================================================

// ParseServices parses compose YAML into its services, sorted by name.
func ParseServices(yamlContent string) ([]Service, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadProject(yamlContent)
	if err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	out := make([]Service, 0, len(project.Services))
	for _, svc := range project.Services {
		out = append(out, convertService(svc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// loadProject loads a compose file held in memory using compose-go.
func loadProject(yamlContent string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("shipyard-analysis", false)
		opts.SkipValidation = true
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.SkipResolveEnvironment = true
		opts.SkipConsistencyCheck = true
	})
	if err != nil {
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}
	return project, nil
}

func convertService(svc types.ServiceConfig) Service {
	out := Service{
		Name:     svc.Name,
		Image:    svc.Image,
		HasBuild: svc.Build != nil,
	}
	for _, p := range svc.Ports {
		out.Ports = append(out.Ports, p.Target)
	}
	if len(svc.Environment) > 0 {
		out.Environment = make(map[string]string, len(svc.Environment))
		for k, v := range svc.Environment {
			if v != nil {
				out.Environment[k] = *v
			} else {
				out.Environment[k] = ""
			}
		}
	}
	return out
}

// =============================================================================
// Detection
// =============================================================================

// DetectDatabase returns the first database provided by an image-only
// service, or "".
func DetectDatabase(services []Service) string {
	for _, svc := range services {
		if svc.HasBuild || svc.Image == "" {
			continue
		}
		image := strings.ToLower(svc.Image)
		for _, d := range databaseImages {
			if strings.Contains(image, d.fragment) {
				return d.database
			}
		}
	}
	return ""
}

// AppPort returns the first container port of a service built from the
// working copy, or 0.
func AppPort(services []Service) int {
	for _, svc := range services {
		if svc.HasBuild && len(svc.Ports) > 0 {
			return int(svc.Ports[0])
		}
	}
	return 0
}

// EnvKeys returns the sorted, de-duplicated environment keys of services
// built from the working copy.
func EnvKeys(services []Service) []string {
	seen := map[string]bool{}
	var keys []string
	for _, svc := range services {
		if !svc.HasBuild {
			continue
		}
		for k := range svc.Environment {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
