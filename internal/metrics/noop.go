package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ConnectionOpened(endpoint string)                                {}
func (n *NoopSink) ConnectionClosed(endpoint string)                                {}
func (n *NoopSink) AdmissionRejected(endpoint string)                               {}
func (n *NoopSink) MessageForwarded()                                               {}
func (n *NoopSink) MessageDropped(reason string)                                    {}
func (n *NoopSink) MessagesReplayed(count int)                                      {}
func (n *NoopSink) ForcedDisconnect(reason string)                                  {}
func (n *NoopSink) JobOutcome(outcome string)                                       {}
func (n *NoopSink) BusError(op string)                                              {}
func (n *NoopSink) StatsCycleCompleted(duration time.Duration, keys int, err error) {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                               {}
func (n *NoopSink) LeaderAcquired()                                                 {}
func (n *NoopSink) LeaderLost(reason string)                                        {}
