package domain

import "fmt"

// =============================================================================
// Stages
// =============================================================================

// Stage identifies one step of the pipeline.
type Stage string

const (
	StageRepoAccess     Stage = "repo_access"
	StageCodeAnalysis   Stage = "code_analysis"
	StageSpecGeneration Stage = "spec_generation"
	StageSecurityScan   Stage = "security_scan"
	StageImageBuild     Stage = "image_build"
	StageServiceDeploy  Stage = "service_deploy"
)

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StageSuccess   StageStatus = "success"
	StageFailed    StageStatus = "failed"
	StageCancelled StageStatus = "cancelled"
)

// Band is the percent range [Low, High) owned by a stage.
type Band struct {
	Stage Stage `json:"stage"`
	Low   int   `json:"low"`
	High  int   `json:"high"`
}

// Bands is the ordered stage table. Stages run in this order and their
// progress events stay inside their band. 100 is reserved for completion.
var Bands = []Band{
	{Stage: StageRepoAccess, Low: 0, High: 20},
	{Stage: StageCodeAnalysis, Low: 20, High: 40},
	{Stage: StageSpecGeneration, Low: 40, High: 55},
	{Stage: StageSecurityScan, Low: 55, High: 65},
	{Stage: StageImageBuild, Low: 65, High: 85},
	{Stage: StageServiceDeploy, Low: 85, High: 100},
}

// ProgressComplete is the percent of the single terminal success event.
const ProgressComplete = 100

// Stages returns the stage names in execution order.
func Stages() []Stage {
	out := make([]Stage, len(Bands))
	for i, b := range Bands {
		out[i] = b.Stage
	}
	return out
}

// BandFor returns the band of a stage.
func BandFor(s Stage) (Band, bool) {
	for _, b := range Bands {
		if b.Stage == s {
			return b, true
		}
	}
	return Band{}, false
}

// Index returns the position of a stage in the execution order, or -1.
func (s Stage) Index() int {
	for i, b := range Bands {
		if b.Stage == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the pipeline stages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Label is the human-readable stage name used in progress messages.
func (s Stage) Label() string {
	switch s {
	case StageRepoAccess:
		return "Repository Access"
	case StageCodeAnalysis:
		return "Code Analysis"
	case StageSpecGeneration:
		return "Container Spec Generation"
	case StageSecurityScan:
		return "Security Scan"
	case StageImageBuild:
		return "Image Build"
	case StageServiceDeploy:
		return "Service Deploy"
	default:
		return string(s)
	}
}

// Clamp maps p into the closed range [Low, High-1].
func (b Band) Clamp(p int) int {
	if p < b.Low {
		return b.Low
	}
	if p > b.High-1 {
		return b.High - 1
	}
	return p
}

// Scale maps a raw 0-100 percentage into the band.
func (b Band) Scale(raw int) int {
	if raw < 0 {
		raw = 0
	}
	if raw > 100 {
		raw = 100
	}
	return b.Clamp(b.Low + raw*(b.High-b.Low)/100)
}

func (b Band) String() string {
	return fmt.Sprintf("%s[%d,%d)", b.Stage, b.Low, b.High)
}
