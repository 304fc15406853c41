package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TestType string

const (
	TestTypeUndetermined TestType = "undetermined"
	TestTypeREST         TestType = "rest"
)

// Variable is one key/value pair of an environment or collection context.
type Variable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RESTRequest describes the final HTTP request a REST test executes.
type RESTRequest struct {
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ExecutionParams is everything a client supplies when submitting a job.
// Bearer, ProjectID and BranchID are passed through to the side channel.
type ExecutionParams struct {
	Source             string
	SourceName         string
	ScopeID            string
	TestType           TestType
	EnvironmentContext []Variable
	CollectionContext  []Variable

	RESTRequest       *RESTRequest
	UnderlyingRequest json.RawMessage
	CollectionID      string
	BranchID          string
	ProjectID         string
	Bearer            string
}

// Job is one requested test execution as stored on the bus.
type Job struct {
	ID     uuid.UUID
	Params ExecutionParams
	Status Status

	CreatedAt time.Time
}

// NewJob creates a PENDING job with a fresh id.
func NewJob(params ExecutionParams, now time.Time) Job {
	return Job{
		ID:        uuid.New(),
		Params:    params,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}
}

// Fields returns the hash fields written to the job's durable record.
// Structured values are JSON encoded; absent optional values are omitted.
func (j Job) Fields() (map[string]string, error) {
	fields := map[string]string{
		"id":         j.ID.String(),
		"source":     j.Params.Source,
		"sourceName": j.Params.SourceName,
		"scopeId":    j.Params.ScopeID,
		"status":     string(j.Status),
		"testType":   string(j.Params.TestType),
		"createdAt":  j.CreatedAt.Format(time.RFC3339Nano),
	}

	env := j.Params.EnvironmentContext
	if env == nil {
		env = []Variable{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	fields["environmentContext"] = string(data)

	if j.Params.CollectionContext != nil {
		data, err := json.Marshal(j.Params.CollectionContext)
		if err != nil {
			return nil, err
		}
		fields["collectionContext"] = string(data)
	}

	if j.Params.RESTRequest != nil {
		data, err := json.Marshal(j.Params.RESTRequest)
		if err != nil {
			return nil, err
		}
		fields["restRequest"] = string(data)
	}

	if len(j.Params.UnderlyingRequest) > 0 {
		fields["underlyingRequest"] = string(j.Params.UnderlyingRequest)
	}
	if j.Params.CollectionID != "" {
		fields["collectionId"] = j.Params.CollectionID
	}

	return fields, nil
}
