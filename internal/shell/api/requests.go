package api

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/artpar/shipyard/internal/core/domain"
)

//go:embed schemas/request.json
var schemaFS embed.FS

var (
	requestSchema     *gojsonschema.Schema
	requestSchemaOnce sync.Once
	requestSchemaErr  error
)

func getRequestSchema() (*gojsonschema.Schema, error) {
	requestSchemaOnce.Do(func() {
		data, err := schemaFS.ReadFile("schemas/request.json")
		if err != nil {
			requestSchemaErr = err
			return
		}
		requestSchema, requestSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	})
	return requestSchema, requestSchemaErr
}

// ValidationError lists the schema violations of a request body.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// ValidateRequest checks a request body against the request schema.
func ValidateRequest(data []byte) error {
	schema, err := getRequestSchema()
	if err != nil {
		return fmt.Errorf("compile request schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &ValidationError{Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		// allOf and if/then add a summary on top of the real violation.
		if t := e.Type(); t == "condition_then" || t == "number_all_of" {
			continue
		}
		problems = append(problems, e.String())
	}
	return &ValidationError{Problems: problems}
}

// DecodeRequest validates data and decodes it into the variant named by its
// "type" field.
func DecodeRequest(data []byte) (domain.Request, error) {
	if err := ValidateRequest(data); err != nil {
		return nil, err
	}
	var head struct {
		Type domain.RequestType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}

	var (
		req domain.Request
		err error
	)
	switch head.Type {
	case domain.RequestAnalyze:
		var r domain.AnalyzeRequest
		err = json.Unmarshal(data, &r)
		req = r
	case domain.RequestDeploy:
		var r domain.DeployRequest
		err = json.Unmarshal(data, &r)
		req = r
	case domain.RequestListRepos:
		var r domain.ListReposRequest
		err = json.Unmarshal(data, &r)
		req = r
	case domain.RequestLogs:
		var r domain.LogsRequest
		err = json.Unmarshal(data, &r)
		req = r
	default:
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown request type %q", head.Type)}}
	}
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	return req, nil
}

// DecodeDeployRequest validates a deploy body that may omit its type.
func DecodeDeployRequest(data []byte) (domain.DeployRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return domain.DeployRequest{}, &ValidationError{Problems: []string{err.Error()}}
	}
	if fields == nil {
		return domain.DeployRequest{}, &ValidationError{Problems: []string{"request body must be an object"}}
	}
	fields["type"] = json.RawMessage(`"deploy"`)
	tagged, err := json.Marshal(fields)
	if err != nil {
		return domain.DeployRequest{}, err
	}
	req, err := DecodeRequest(tagged)
	if err != nil {
		return domain.DeployRequest{}, err
	}
	return req.(domain.DeployRequest), nil
}
