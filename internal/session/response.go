package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// markedResponse is the subset of the captured HTTP response the relay reads.
type markedResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
	Timings    struct {
		Duration float64 `json:"duration"`
	} `json:"timings"`
}

func parseMarkedResponse(raw json.RawMessage) (markedResponse, error) {
	var r markedResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return markedResponse{}, fmt.Errorf("marked response: %w", err)
	}
	return r, nil
}

// size estimates the on-the-wire size of the response: status line, headers
// and body.
func (r markedResponse) size() int {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, r.StatusText)

	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, r.Headers[k])
	}
	b.WriteString("\r\n")
	b.WriteString(r.bodyText())
	return len(b.String())
}

// bodyText returns the body as sent: a string body verbatim, anything else as JSON.
func (r markedResponse) bodyText() string {
	if len(r.Body) == 0 || string(r.Body) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Body, &s); err == nil {
		return s
	}
	return string(r.Body)
}
