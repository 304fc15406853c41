package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	s.ConnectionOpened("/new-test")
	s.ConnectionClosed("/new-test")
	s.AdmissionRejected("/current-test")
	s.MessageForwarded()
	s.MessageDropped("decode")
	s.MessagesReplayed(12)
	s.ForcedDisconnect("terminal")
	s.JobOutcome("failure")

	s.BusError("publish")

	s.StatsCycleCompleted(10*time.Millisecond, 4, nil)
	s.StatsCycleCompleted(10*time.Millisecond, 0, errors.New("redis down"))

	s.LeaderStatusChanged(true)
	s.LeaderAcquired()
	s.LeaderLost("shutdown")
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
