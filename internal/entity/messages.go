package entity

import "encoding/json"

// Events exchanged with the entity engine.
const (
	EventCreateResponse        = "rest-create-response"
	EventCreateResponseSuccess = "rest-create-response:success"
	EventAddOptions            = "rest-add-options"
	EventSuccessSingle         = "rest-handle-success-single"
	EventSuccessMultiple       = "rest-handle-success-multiple"
	EventFailure               = "rest-handle-failure"
)

// Frame is one websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnParams authenticate the side channel for one scope.
type ConnParams struct {
	ScopeID   string
	Bearer    string
	ProjectID string
}

type CreateResponse struct {
	BranchID             string          `json:"branchId"`
	CollectionID         string          `json:"collectionId"`
	UnderlyingRequest    json.RawMessage `json:"underlyingRequest,omitempty"`
	FinalRequestEndpoint string          `json:"finalRequestEndpoint"`
	Source               string          `json:"source"`
	SourceName           string          `json:"sourceName"`
	JobID                string          `json:"jobId"`
}

type AddOptions struct {
	BranchID     string          `json:"branchId"`
	CollectionID string          `json:"collectionId"`
	Options      json.RawMessage `json:"options"`
}

type SuccessSingle struct {
	BranchID                  string          `json:"branchId"`
	CollectionID              string          `json:"collectionId"`
	ResponseID                string          `json:"responseId"`
	ResponseStatus            int             `json:"responseStatus"`
	ResponseSize              int             `json:"responseSize"`
	ResponseDuration          float64         `json:"responseDuration"`
	Response                  json.RawMessage `json:"response"`
	MetricsStoreReceipt       string          `json:"metricsStoreReceipt"`
	GlobeTestLogsStoreReceipt string          `json:"globeTestLogsStoreReceipt"`
}

type SuccessMultiple struct {
	BranchID                  string `json:"branchId"`
	CollectionID              string `json:"collectionId"`
	ResponseID                string `json:"responseId"`
	MetricsStoreReceipt       string `json:"metricsStoreReceipt"`
	GlobeTestLogsStoreReceipt string `json:"globeTestLogsStoreReceipt"`
}

// Failure carries whichever receipts were captured; nil encodes as null.
type Failure struct {
	BranchID                  string  `json:"branchId"`
	CollectionID              string  `json:"collectionId"`
	GlobeTestLogsStoreReceipt *string `json:"globeTestLogsStoreReceipt"`
	MetricsStoreReceipt       *string `json:"metricsStoreReceipt"`
}

// ResponseCreated acknowledges a CreateResponse.
type ResponseCreated struct {
	JobID      string `json:"jobId"`
	ResponseID string `json:"responseId"`
}
