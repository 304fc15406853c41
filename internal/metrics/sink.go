package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Relay metrics
	ConnectionOpened(endpoint string)
	ConnectionClosed(endpoint string)
	AdmissionRejected(endpoint string)
	MessageForwarded()
	MessageDropped(reason string)
	MessagesReplayed(count int)
	ForcedDisconnect(reason string)
	JobOutcome(outcome string)

	// Bus metrics
	BusError(op string)

	// Statistics forwarder metrics
	StatsCycleCompleted(duration time.Duration, keysCopied int, err error)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}
