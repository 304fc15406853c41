package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/apiteam/test-manager/internal/domain"
)

// ErrAdmission matches every AdmissionError.
var ErrAdmission = errors.New("admission rejected")

// AdmissionError rejects a connection. Message is sent to the client verbatim.
type AdmissionError struct {
	Field   string
	Message string
}

func (e *AdmissionError) Error() string { return e.Message }

func (e *AdmissionError) Is(target error) bool { return target == ErrAdmission }

func rejectf(field, format string, args ...any) *AdmissionError {
	return &AdmissionError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var requiredNewJobParams = []string{"source", "sourceName", "scopeId", "environmentContext"}

// newJobParams lists every parameter the new-job endpoint interprets; none
// may be repeated.
var newJobParams = []string{
	"source", "sourceName", "scopeId", "environmentContext", "collectionContext",
	"testType", "restRequest", "collectionId", "underlyingRequest",
	"branchId", "projectId", "bearer",
}

// ParseNewJob validates the query of a new-job connection.
func ParseNewJob(q url.Values) (domain.ExecutionParams, error) {
	for _, key := range newJobParams {
		if len(q[key]) > 1 {
			return domain.ExecutionParams{}, rejectf(key, "Parameter %s must be a single value", key)
		}
	}
	for _, key := range requiredNewJobParams {
		if q.Get(key) == "" {
			return domain.ExecutionParams{}, rejectf(key, "Parameter %s is required", key)
		}
	}

	params := domain.ExecutionParams{
		Source:     q.Get("source"),
		SourceName: q.Get("sourceName"),
		ScopeID:    q.Get("scopeId"),
		BranchID:   q.Get("branchId"),
		ProjectID:  q.Get("projectId"),
		Bearer:     q.Get("bearer"),
	}

	env, err := parseVariables(q.Get("environmentContext"))
	if err != nil {
		return domain.ExecutionParams{}, rejectf("environmentContext", "Invalid environmentContext: %v", err)
	}
	params.EnvironmentContext = env

	if raw := q.Get("collectionContext"); raw != "" {
		coll, err := parseVariables(raw)
		if err != nil {
			return domain.ExecutionParams{}, rejectf("collectionContext", "Invalid collectionContext: %v", err)
		}
		params.CollectionContext = coll
	}

	switch testType := domain.TestType(q.Get("testType")); testType {
	case "", domain.TestTypeREST:
		params.TestType = domain.TestTypeREST
	default:
		return domain.ExecutionParams{}, rejectf("testType", "Invalid testType parameter")
	}

	if err := parseREST(q, &params); err != nil {
		return domain.ExecutionParams{}, err
	}
	return params, nil
}

func parseREST(q url.Values, params *domain.ExecutionParams) error {
	raw := q.Get("restRequest")
	if raw == "" {
		return rejectf("restRequest", "Parameter restRequest is required for rest tests")
	}
	req, err := parseRESTRequest(raw)
	if err != nil {
		return rejectf("restRequest", "Invalid restRequest: %v", err)
	}
	params.RESTRequest = req

	params.CollectionID = q.Get("collectionId")
	if params.CollectionID == "" {
		return rejectf("collectionId", "Parameter collectionId is required for rest tests")
	}

	if raw := q.Get("underlyingRequest"); raw != "" {
		doc := json.RawMessage(raw)
		if !isObject(doc) {
			return rejectf("underlyingRequest", "Invalid underlyingRequest: must be a JSON object")
		}
		params.UnderlyingRequest = doc
	}
	return nil
}

// parseVariables decodes a JSON array of {key, value} string pairs.
func parseVariables(raw string) ([]domain.Variable, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, errors.New("must be a JSON array")
	}
	if items == nil {
		return nil, errors.New("must be a JSON array")
	}

	vars := make([]domain.Variable, 0, len(items))
	for i, item := range items {
		var fields map[string]json.RawMessage
		if !isObject(item) || json.Unmarshal(item, &fields) != nil {
			return nil, fmt.Errorf("element %d is not an object", i)
		}
		key, ok := jsonString(fields["key"])
		if !ok {
			return nil, fmt.Errorf("element %d: key must be a string", i)
		}
		value, ok := jsonString(fields["value"])
		if !ok {
			return nil, fmt.Errorf("element %d: value must be a string", i)
		}
		vars = append(vars, domain.Variable{Key: key, Value: value})
	}
	return vars, nil
}

func parseRESTRequest(raw string) (*domain.RESTRequest, error) {
	doc := json.RawMessage(raw)
	var fields map[string]json.RawMessage
	if !isObject(doc) || json.Unmarshal(doc, &fields) != nil {
		return nil, errors.New("must be a JSON object")
	}

	method, ok := jsonString(fields["method"])
	if !ok || method == "" {
		return nil, errors.New("method must be a string")
	}
	u, ok := jsonString(fields["url"])
	if !ok || u == "" {
		return nil, errors.New("url must be a string")
	}
	return &domain.RESTRequest{
		Method: method,
		URL:    u,
		Body:   fields["body"],
		Params: fields["params"],
	}, nil
}

// ResumeParams identify the job a resuming client wants to stream.
type ResumeParams struct {
	JobID   string
	ScopeID string
}

// ParseResume validates the query of a resume connection.
func ParseResume(q url.Values) (ResumeParams, error) {
	for _, key := range []string{"jobId", "scopeId"} {
		if len(q[key]) != 1 || q.Get(key) == "" {
			return ResumeParams{}, rejectf(key, "Invalid %s", key)
		}
	}
	return ResumeParams{JobID: q.Get("jobId"), ScopeID: q.Get("scopeId")}, nil
}

func jsonString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{' && json.Valid(raw)
}
