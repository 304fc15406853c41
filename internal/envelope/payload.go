package envelope

import (
	"bytes"
	"encoding/json"
)

// Payload is the decoded message field. The concrete type depends on the
// envelope's MessageType:
//
//	STATUS                                   Status
//	MESSAGE, ERROR, DEBUG                    Text
//	CONSOLE                                  Console
//	METRICS, SUMMARY_METRICS                 Metrics
//	MARK                                     Mark
//	OPTIONS                                  Options
//	JOB_INFO                                 JobInfo
//	ENVIRONMENT_VARIABLES, COLLECTION_VARIABLES  Variables
type Payload interface {
	isPayload()
}

type Status string

type Text string

// Console is one line of script console output. Msg holds the parsed JSON
// value when the script logged JSON text, otherwise a JSON string.
type Console struct {
	Level string          `json:"level,omitempty"`
	Msg   json.RawMessage `json:"msg"`
}

// Metrics maps metric names to their (type specific) values.
type Metrics map[string]json.RawMessage

// Mark is an out-of-band marker such as a store receipt or the captured response.
type Mark struct {
	Mark    string          `json:"mark"`
	Message json.RawMessage `json:"message"`
}

// Text returns the mark message when it is a JSON string.
func (m Mark) Text() (string, bool) {
	var s string
	if err := json.Unmarshal(m.Message, &s); err != nil {
		return "", false
	}
	return s, true
}

// Options is the execution options echo. Only executionMode is interpreted;
// every field is preserved for forwarding.
type Options struct {
	ExecutionMode string
	Fields        map[string]json.RawMessage
}

func (o Options) MarshalJSON() ([]byte, error) {
	if o.Fields == nil {
		return json.Marshal(map[string]string{"executionMode": o.ExecutionMode})
	}
	return json.Marshal(o.Fields)
}

func (o *Options) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	o.Fields = fields
	o.ExecutionMode = ""
	if raw, ok := fields["executionMode"]; ok {
		var mode string
		if err := json.Unmarshal(raw, &mode); err != nil {
			return err
		}
		o.ExecutionMode = mode
	}
	return nil
}

type JobInfo struct {
	ID         string          `json:"id"`
	ScopeID    string          `json:"scopeId,omitempty"`
	Source     string          `json:"source,omitempty"`
	SourceName string          `json:"sourceName,omitempty"`
	Status     string          `json:"status,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
}

// ExecutionOptions decodes the options embedded in a job info record. It
// reports false when they are absent, null or not an object.
func (j JobInfo) ExecutionOptions() (Options, bool) {
	if isNull(j.Options) {
		return Options{}, false
	}
	var opts Options
	if err := json.Unmarshal(j.Options, &opts); err != nil {
		return Options{}, false
	}
	return opts, true
}

// Absent reports whether the mark carries no message.
func (m Mark) Absent() bool {
	return isNull(m.Message)
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// Variables is an opaque variable update reported by a running script.
type Variables json.RawMessage

func (v Variables) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

func (Status) isPayload()    {}
func (Text) isPayload()      {}
func (Console) isPayload()   {}
func (Metrics) isPayload()   {}
func (Mark) isPayload()      {}
func (Options) isPayload()   {}
func (JobInfo) isPayload()   {}
func (Variables) isPayload() {}
