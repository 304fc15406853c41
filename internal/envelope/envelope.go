// Package envelope decodes progress messages published by the execution fleet.
//
// The fleet publishes every message as a JSON string on a string-typed
// channel. Structured payloads (metrics, marks, options, ...) are themselves
// JSON encoded into the "message" field, so those variants are decoded twice.
// Decode produces an Envelope whose Payload is one of a closed set of types
// selected by MessageType.
package envelope

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/apiteam/test-manager/internal/domain"
)

type MessageType string

const (
	TypeStatus               MessageType = "STATUS"
	TypeMessage              MessageType = "MESSAGE"
	TypeError                MessageType = "ERROR"
	TypeDebug                MessageType = "DEBUG"
	TypeConsole              MessageType = "CONSOLE"
	TypeMetrics              MessageType = "METRICS"
	TypeSummaryMetrics       MessageType = "SUMMARY_METRICS"
	TypeMark                 MessageType = "MARK"
	TypeOptions              MessageType = "OPTIONS"
	TypeJobInfo              MessageType = "JOB_INFO"
	TypeEnvironmentVariables MessageType = "ENVIRONMENT_VARIABLES"
	TypeCollectionVariables  MessageType = "COLLECTION_VARIABLES"
)

// doubleEncoded reports whether the message field of t is a JSON document
// serialized into a string.
func (t MessageType) doubleEncoded() bool {
	switch t {
	case TypeSummaryMetrics, TypeMetrics, TypeMark, TypeJobInfo, TypeConsole,
		TypeOptions, TypeEnvironmentVariables, TypeCollectionVariables:
		return true
	}
	return false
}

// Mark discriminants carried by MARK messages.
const (
	MarkResponse     = "MarkedResponse"
	MarkLogsReceipt  = "GlobeTestLogsStoreReceipt"
	MarkMetricsStore = "MetricsStoreReceipt"
)

// Execution modes reported in OPTIONS messages.
const (
	ExecutionModeHTTPSingle   = "httpSingle"
	ExecutionModeHTTPMultiple = "httpMultiple"
)

// Sender identifies who published a message. Exactly one field is set.
type Sender struct {
	OrchestratorID string
	WorkerID       string
}

// Envelope is one decoded progress message.
type Envelope struct {
	JobID   string
	Sender  Sender
	Time    time.Time
	Type    MessageType
	Payload Payload

	// raw is the message field exactly as it appeared on the wire.
	raw json.RawMessage
}

// Status returns the status carried by a STATUS envelope.
func (e Envelope) Status() (domain.Status, bool) {
	if e.Type != TypeStatus {
		return "", false
	}
	s, ok := e.Payload.(Status)
	return domain.Status(s), ok
}

// IsTerminalStatus reports whether e is a STATUS envelope with a terminal value.
func (e Envelope) IsTerminalStatus() bool {
	s, ok := e.Status()
	return ok && s.IsTerminal()
}

// Key identifies an envelope by its (time, message) pair.
func (e Envelope) Key() string {
	return strconv.FormatInt(e.Time.UnixNano(), 10) + "|" + string(e.raw)
}

// Raw returns the undecoded message field.
func (e Envelope) Raw() json.RawMessage {
	return e.raw
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	out := struct {
		JobID          string      `json:"jobId"`
		OrchestratorID string      `json:"orchestratorId,omitempty"`
		WorkerID       string      `json:"workerId,omitempty"`
		Time           string      `json:"time"`
		MessageType    MessageType `json:"messageType"`
		Message        Payload     `json:"message"`
	}{
		JobID:          e.JobID,
		OrchestratorID: e.Sender.OrchestratorID,
		WorkerID:       e.Sender.WorkerID,
		Time:           e.Time.UTC().Format(time.RFC3339Nano),
		MessageType:    e.Type,
		Message:        e.Payload,
	}
	return json.Marshal(out)
}

// SortByTime orders envelopes by ascending time, keeping the relative order
// of envelopes with equal times.
func SortByTime(envs []Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		return envs[i].Time.Before(envs[j].Time)
	})
}
