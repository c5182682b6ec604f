package domain

// =============================================================================
// Source
// =============================================================================

// SourceInfo describes a resolved working copy.
type SourceInfo struct {
	LocalPath string `json:"local_path"`
	FileCount int    `json:"file_count"`
	SizeBytes int64  `json:"size_bytes"`
	Revision  string `json:"revision,omitempty"`
}

// =============================================================================
// Analysis
// =============================================================================

// AnalysisFacts is what code analysis learned about a working copy.
type AnalysisFacts struct {
	Language      string            `json:"language"`
	Framework     string            `json:"framework,omitempty"`
	EntryPoint    string            `json:"entry_point,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	EnvVars       []string          `json:"env_vars,omitempty"`
	Database      string            `json:"database,omitempty"`
	Port          int               `json:"port,omitempty"`
	HasDockerfile bool              `json:"has_dockerfile"`
	Extra         map[string]string `json:"extra,omitempty"`
	Warnings      []string          `json:"warnings,omitempty"`
}

// TemplateKey is the "<language>_<framework>" key of a container template.
func (f AnalysisFacts) TemplateKey() string {
	if f.Framework == "" {
		return f.Language
	}
	return f.Language + "_" + f.Framework
}

// =============================================================================
// Container Spec
// =============================================================================

// ContainerSpec is the generated build definition for a working copy.
type ContainerSpec struct {
	Dockerfile    string   `json:"dockerfile"`
	Dockerignore  string   `json:"dockerignore,omitempty"`
	Template      string   `json:"template"`
	Generic       bool     `json:"generic"`
	Port          int      `json:"port"`
	Optimizations []string `json:"optimizations,omitempty"`
}

// SecurityFinding is one failed security check.
type SecurityFinding struct {
	Check    string `json:"check"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// =============================================================================
// Build & Deploy
// =============================================================================

// BuildParams is the input of an image build.
type BuildParams struct {
	RunID       string `json:"run_id"`
	ServiceName string `json:"service_name"`
	ContextDir  string `json:"context_dir"`
	Dockerfile  string `json:"dockerfile"`
	ImageRef    string `json:"image_ref"`
}

// BuildResult is the output of an image build.
type BuildResult struct {
	ImageRef string `json:"image_ref"`
	Digest   string `json:"digest,omitempty"`
}

// DeployParams is the input of a service deployment.
type DeployParams struct {
	RunID       string            `json:"run_id"`
	ServiceName string            `json:"service_name"`
	ImageRef    string            `json:"image_ref"`
	Port        int               `json:"port"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
	Resources   ResourceConfig    `json:"resources"`
	Region      string            `json:"region,omitempty"`
}

// DeployResult is the output of a service deployment.
type DeployResult struct {
	URL    string `json:"url"`
	Region string `json:"region,omitempty"`
}

// ResourceConfig sizes a deployed service.
type ResourceConfig struct {
	CPU          string `json:"cpu" yaml:"cpu"`
	Memory       string `json:"memory" yaml:"memory"`
	MinInstances int    `json:"min_instances" yaml:"min_instances"`
	MaxInstances int    `json:"max_instances" yaml:"max_instances"`
	Concurrency  int    `json:"concurrency" yaml:"concurrency"`
	TimeoutSecs  int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// IsZero reports whether no resource field was set.
func (r ResourceConfig) IsZero() bool {
	return r == ResourceConfig{}
}

// =============================================================================
// Run Options
// =============================================================================

// RunOptions are the caller-supplied knobs of a deploy run.
type RunOptions struct {
	Branch              string            `json:"branch,omitempty" yaml:"branch"`
	Region              string            `json:"region,omitempty" yaml:"region"`
	EnvVars             map[string]string `json:"env_vars,omitempty" yaml:"env_vars"`
	Resources           ResourceConfig    `json:"resources" yaml:"resources"`
	FailOnSecurityIssue bool              `json:"fail_on_security_issue" yaml:"fail_on_security_issue"`
}

// Clone returns a deep copy of the options.
func (o RunOptions) Clone() RunOptions {
	cp := o
	if o.EnvVars != nil {
		cp.EnvVars = make(map[string]string, len(o.EnvVars))
		for k, v := range o.EnvVars {
			cp.EnvVars[k] = v
		}
	}
	return cp
}
