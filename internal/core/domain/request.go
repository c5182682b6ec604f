package domain

// =============================================================================
// Requests
// =============================================================================

// RequestType tags the request variants.
type RequestType string

const (
	RequestAnalyze   RequestType = "analyze"
	RequestDeploy    RequestType = "deploy"
	RequestListRepos RequestType = "list_repos"
	RequestLogs      RequestType = "logs"
)

// Request is a closed set of caller intents. How the variant was chosen
// (a form, a CLI verb, a language model) is not the engine's concern.
type Request interface {
	Type() RequestType
	isRequest()
}

// AnalyzeRequest resolves and analyzes a source without building it.
type AnalyzeRequest struct {
	SourceReference string `json:"source_reference"`
	Branch          string `json:"branch,omitempty"`
}

// DeployRequest runs the full pipeline.
type DeployRequest struct {
	SourceReference string     `json:"source_reference"`
	ServiceName     string     `json:"service_name"`
	Options         RunOptions `json:"options"`
}

// ListReposRequest lists repositories visible to the configured account.
type ListReposRequest struct {
	Owner string `json:"owner,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// LogsRequest fetches recent logs of a deployed service.
type LogsRequest struct {
	ServiceName string `json:"service_name"`
	Limit       int    `json:"limit,omitempty"`
}

func (AnalyzeRequest) Type() RequestType   { return RequestAnalyze }
func (DeployRequest) Type() RequestType    { return RequestDeploy }
func (ListReposRequest) Type() RequestType { return RequestListRepos }
func (LogsRequest) Type() RequestType      { return RequestLogs }

func (AnalyzeRequest) isRequest()   {}
func (DeployRequest) isRequest()    {}
func (ListReposRequest) isRequest() {}
func (LogsRequest) isRequest()      {}

// =============================================================================
// Responses
// =============================================================================

// AnalysisReport answers an AnalyzeRequest.
type AnalysisReport struct {
	Source   SourceInfo        `json:"source"`
	Facts    AnalysisFacts     `json:"facts"`
	Spec     ContainerSpec     `json:"spec"`
	Findings []SecurityFinding `json:"findings,omitempty"`
}

// Repository is one entry of a ListReposRequest answer.
type Repository struct {
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Language      string `json:"language,omitempty"`
	Private       bool   `json:"private"`
	Description   string `json:"description,omitempty"`
}
