// Package resources picks and validates the sizing of a deployed service.
package resources

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/artpar/shipyard/internal/core/domain"
)

// Limits accepted for a single instance.
const (
	MinMemoryBytes = 128 * units.MiB
	MaxMemoryBytes = 32 * units.GiB
	MaxCPU         = 8.0
)

// Defaults applies when nothing better is known.
var Defaults = domain.ResourceConfig{
	CPU:          "1",
	Memory:       "512Mi",
	MinInstances: 0,
	MaxInstances: 10,
	Concurrency:  80,
	TimeoutSecs:  300,
}

var profiles = map[string]domain.ResourceConfig{
	"golang":        {CPU: "1", Memory: "256Mi", MaxInstances: 10, Concurrency: 250, TimeoutSecs: 300},
	"nodejs_nextjs": {CPU: "1", Memory: "1Gi", MaxInstances: 10, Concurrency: 80, TimeoutSecs: 300},
	"nodejs":        {CPU: "1", Memory: "512Mi", MaxInstances: 10, Concurrency: 100, TimeoutSecs: 300},
	"python_django": {CPU: "1", Memory: "1Gi", MaxInstances: 10, Concurrency: 40, TimeoutSecs: 300},
	"python":        {CPU: "1", Memory: "512Mi", MaxInstances: 10, Concurrency: 80, TimeoutSecs: 300},
	"java":          {CPU: "2", Memory: "2Gi", MinInstances: 1, MaxInstances: 5, Concurrency: 80, TimeoutSecs: 600},
}

// Recommend returns the sizing for an analyzed service. Fields set in
// requested override the recommendation field by field.
func Recommend(facts domain.AnalysisFacts, requested domain.ResourceConfig) domain.ResourceConfig {
	base, ok := profiles[facts.TemplateKey()]
	if !ok {
		base, ok = profiles[facts.Language]
	}
	if !ok {
		base = Defaults
	}

	out := base
	if requested.CPU != "" {
		out.CPU = requested.CPU
	}
	if requested.Memory != "" {
		out.Memory = requested.Memory
	}
	if requested.MinInstances > 0 {
		out.MinInstances = requested.MinInstances
	}
	if requested.MaxInstances > 0 {
		out.MaxInstances = requested.MaxInstances
	}
	if requested.Concurrency > 0 {
		out.Concurrency = requested.Concurrency
	}
	if requested.TimeoutSecs > 0 {
		out.TimeoutSecs = requested.TimeoutSecs
	}
	if out.MaxInstances < out.MinInstances {
		out.MaxInstances = out.MinInstances
	}
	return out
}

// Validate reports the first invalid field of cfg as a configuration error.
func Validate(cfg domain.ResourceConfig) error {
	if _, err := MemoryBytes(cfg.Memory); err != nil {
		return domain.Configuration("validate_resources", err.Error(), nil)
	}
	if _, err := CPUs(cfg.CPU); err != nil {
		return domain.Configuration("validate_resources", err.Error(), nil)
	}
	if cfg.MinInstances < 0 || cfg.MaxInstances < 0 {
		return domain.Configuration("validate_resources", "instance counts must not be negative", nil)
	}
	if cfg.MaxInstances > 0 && cfg.MinInstances > cfg.MaxInstances {
		return domain.Configuration("validate_resources",
			fmt.Sprintf("min instances %d exceed max instances %d", cfg.MinInstances, cfg.MaxInstances), nil)
	}
	if cfg.Concurrency < 0 || cfg.TimeoutSecs < 0 {
		return domain.Configuration("validate_resources", "concurrency and timeout must not be negative", nil)
	}
	return nil
}

// MemoryBytes parses a memory quantity such as "512Mi", "1Gi", "512MiB" or
// "256m". All units are binary.
func MemoryBytes(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("memory is required")
	}
	n, err := units.RAMInBytes(normalizeMemory(s))
	if err != nil {
		return 0, fmt.Errorf("invalid memory %q: %w", s, err)
	}
	if n < MinMemoryBytes || n > MaxMemoryBytes {
		return 0, fmt.Errorf("memory %s outside %s..%s", s,
			units.BytesSize(float64(MinMemoryBytes)), units.BytesSize(float64(MaxMemoryBytes)))
	}
	return n, nil
}

// normalizeMemory turns Kubernetes-style quantities ("512Mi") into the
// "512MiB" form go-units accepts.
func normalizeMemory(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "i") || strings.HasSuffix(s, "I") {
		return s + "B"
	}
	return s
}

// CPUs parses a CPU quantity such as "1", "0.5" or "500m".
func CPUs(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("cpu is required")
	}
	var v float64
	var err error
	if strings.HasSuffix(s, "m") {
		var milli int
		milli, err = strconv.Atoi(strings.TrimSuffix(s, "m"))
		v = float64(milli) / 1000
	} else {
		v, err = strconv.ParseFloat(s, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid cpu %q", s)
	}
	if v <= 0 || v > MaxCPU {
		return 0, fmt.Errorf("cpu %s outside (0, %g]", s, MaxCPU)
	}
	return v, nil
}
