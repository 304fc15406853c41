// Package session tracks the asynchronous side effects of one in-flight test
// and decides how its completion is reported downstream.
package session

import (
	"encoding/json"

	"github.com/apiteam/test-manager/internal/domain"
	"github.com/apiteam/test-manager/internal/envelope"
)

// ResponseExistence tracks the downstream response record.
type ResponseExistence string

const (
	ResponseNone     ResponseExistence = "none"
	ResponseCreating ResponseExistence = "creating"
	ResponseCreated  ResponseExistence = "created"
)

// Outcome is the downstream notification chosen at terminal status.
type Outcome string

const (
	OutcomeNone            Outcome = ""
	OutcomeSuccessSingle   Outcome = "success_single"
	OutcomeSuccessMultiple Outcome = "success_multiple"
	OutcomeFailure         Outcome = "failure"
)

// State is the artifact lattice of one job. Slots only move from unset to set,
// except the two receipts which are last-write-wins.
type State struct {
	JobID             string
	TestType          domain.TestType
	ResponseExistence ResponseExistence
	ResponseID        string

	MarkedResponse json.RawMessage
	LogsReceipt    string
	MetricsReceipt string
	Options        *envelope.Options
}

// NewState returns the state of a connection that has seen no messages.
func NewState() State {
	return State{
		TestType:          domain.TestTypeUndetermined,
		ResponseExistence: ResponseNone,
	}
}

// NeedsResponse reports whether an envelope for jobID should trigger the
// creation of the downstream response record.
func (s State) NeedsResponse(jobID string) bool {
	return jobID != s.JobID &&
		s.TestType == domain.TestTypeUndetermined &&
		s.ResponseExistence == ResponseNone
}

// CaptureMark stores a MARK payload into its slot.
func (s *State) CaptureMark(m envelope.Mark) {
	switch m.Mark {
	case envelope.MarkResponse:
		if s.MarkedResponse == nil && !m.Absent() {
			s.MarkedResponse = m.Message
		}
	case envelope.MarkLogsReceipt:
		if text, ok := m.Text(); ok {
			s.LogsReceipt = text
		}
	case envelope.MarkMetricsStore:
		if text, ok := m.Text(); ok {
			s.MetricsReceipt = text
		}
	}
}

// Evaluate decides the outcome for a terminal status. sideChannelOpen reports
// whether the downstream connection is still usable.
func (s State) Evaluate(status domain.Status, sideChannelOpen bool) Outcome {
	if s.TestType == domain.TestTypeUndetermined {
		return OutcomeFailure
	}
	if !status.IsSuccess() {
		return OutcomeFailure
	}
	if s.LogsReceipt == "" || s.MetricsReceipt == "" || s.Options == nil ||
		s.ResponseID == "" || !sideChannelOpen {
		return OutcomeFailure
	}

	switch s.Options.ExecutionMode {
	case envelope.ExecutionModeHTTPSingle:
		if s.MarkedResponse == nil {
			return OutcomeFailure
		}
		return OutcomeSuccessSingle
	case envelope.ExecutionModeHTTPMultiple:
		return OutcomeSuccessMultiple
	default:
		return OutcomeFailure
	}
}

func optionalReceipt(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
