package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed is returned for any payload that cannot be decoded.
var ErrMalformed = errors.New("malformed envelope")

type wireEnvelope struct {
	JobID          string          `json:"jobId"`
	OrchestratorID string          `json:"orchestratorId"`
	WorkerID       string          `json:"workerId"`
	Time           json.RawMessage `json:"time"`
	MessageType    MessageType     `json:"messageType"`
	Message        json.RawMessage `json:"message"`
}

// Decode parses one bus payload.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := Envelope{
		JobID: w.JobID,
		Type:  w.MessageType,
		raw:   compact(w.Message),
	}

	sender, err := resolveSender(w.OrchestratorID, w.WorkerID)
	if err != nil {
		return Envelope{}, err
	}
	env.Sender = sender

	t, err := parseTime(w.Time)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: time: %v", ErrMalformed, err)
	}
	env.Time = t

	body := w.Message
	if w.MessageType.doubleEncoded() {
		body, err = unwrap(w.Message)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %s message: %v", ErrMalformed, w.MessageType, err)
		}
	}

	payload, err := decodePayload(w.MessageType, body)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %s message: %v", ErrMalformed, w.MessageType, err)
	}
	env.Payload = payload

	return env, nil
}

// DecodeString is Decode for payloads delivered as strings by the bus.
func DecodeString(s string) (Envelope, error) {
	return Decode([]byte(s))
}

// resolveSender produces exactly one sender identity. A message carrying
// both keeps the worker identity.
func resolveSender(orchestratorID, workerID string) (Sender, error) {
	switch {
	case workerID != "":
		return Sender{WorkerID: workerID}, nil
	case orchestratorID != "":
		return Sender{OrchestratorID: orchestratorID}, nil
	default:
		return Sender{}, fmt.Errorf("%w: no orchestratorId or workerId", ErrMalformed)
	}
}

// parseTime accepts epoch milliseconds, a numeric string, or an RFC 3339 string.
// A missing time decodes to the zero time.
func parseTime(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// unwrap returns the JSON document embedded in a JSON string. A message that
// is already a document is returned unchanged.
func unwrap(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("missing")
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	inner := json.RawMessage(s)
	if !json.Valid(inner) {
		return nil, errors.New("embedded document is not valid JSON")
	}
	return inner, nil
}

func decodePayload(t MessageType, body json.RawMessage) (Payload, error) {
	switch t {
	case TypeStatus:
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return Status(s), nil

	case TypeMessage, TypeError, TypeDebug:
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, err
		}
		return Text(s), nil

	case TypeConsole:
		return decodeConsole(body)

	case TypeMetrics, TypeSummaryMetrics:
		var m Metrics
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypeMark:
		var m Mark
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		if m.Mark == "" {
			return nil, errors.New("mark discriminant missing")
		}
		return m, nil

	case TypeOptions:
		var o Options
		if err := json.Unmarshal(body, &o); err != nil {
			return nil, err
		}
		return o, nil

	case TypeJobInfo:
		var j JobInfo
		if err := json.Unmarshal(body, &j); err != nil {
			return nil, err
		}
		return j, nil

	case TypeEnvironmentVariables, TypeCollectionVariables:
		return Variables(body), nil

	case "":
		return nil, errors.New("messageType missing")
	default:
		return nil, fmt.Errorf("unknown messageType %q", t)
	}
}

// decodeConsole parses the console record and, best effort, the JSON logged
// inside its msg field. Console output is not guaranteed to be JSON.
func decodeConsole(body json.RawMessage) (Console, error) {
	var c struct {
		Level string          `json:"level"`
		Msg   json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(body, &c); err != nil {
		return Console{}, err
	}

	out := Console{Level: c.Level, Msg: c.Msg}
	if len(out.Msg) == 0 {
		out.Msg = json.RawMessage(`""`)
	}

	var text string
	if err := json.Unmarshal(c.Msg, &text); err == nil {
		if inner := json.RawMessage(text); json.Valid(inner) {
			out.Msg = compact(inner)
		}
	}
	return out, nil
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
