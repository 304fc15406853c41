package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Relay metrics
	connectionsTotal       *prometheus.CounterVec
	connectionsActive      *prometheus.GaugeVec
	admissionsRejected     *prometheus.CounterVec
	messagesForwardedTotal prometheus.Counter
	messagesDroppedTotal   *prometheus.CounterVec
	messagesReplayedTotal  prometheus.Counter
	forcedDisconnectsTotal *prometheus.CounterVec
	jobOutcomesTotal       *prometheus.CounterVec

	// Bus metrics
	busErrorsTotal *prometheus.CounterVec

	// Statistics forwarder metrics
	statsCyclesTotal      prometheus.Counter
	statsCycleErrorsTotal prometheus.Counter
	statsKeysCopiedTotal  prometheus.Counter
	statsCycleDuration    prometheus.Histogram

	// Leader election metrics
	isLeader            prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initRelayMetrics(reg)
	s.initBusMetrics(reg)
	s.initStatsMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initRelayMetrics(reg prometheus.Registerer) {
	s.connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testmanager_relay_connections_total",
		Help: "Total number of client connections accepted, by endpoint.",
	}, []string{"endpoint"})

	s.connectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "testmanager_relay_connections_active",
		Help: "Number of client connections currently open, by endpoint.",
	}, []string{"endpoint"})

	s.admissionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testmanager_relay_admissions_rejected_total",
		Help: "Total number of connections rejected during admission, by endpoint.",
	}, []string{"endpoint"})

	s.messagesForwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testmanager_relay_messages_forwarded_total",
		Help: "Total number of envelopes emitted to clients.",
	})

	s.messagesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testmanager_relay_messages_dropped_total",
		Help: "Total number of bus messages not emitted to clients, by reason.",
	}, []string{"reason"})

	s.messagesReplayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testmanager_relay_messages_replayed_total",
		Help: "Total number of historical envelopes replayed to resuming clients.",
	})

	s.forcedDisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testmanager_relay_forced_disconnects_total",
		Help: "Total number of connections closed by the relay, by reason.",
	}, []string{"reason"})

	s.jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testmanager_relay_job_outcomes_total",
		Help: "Total number of outcome notifications sent downstream, by outcome.",
	}, []string{"outcome"})

	s.register(reg, s.connectionsTotal, "testmanager_relay_connections_total")
	s.register(reg, s.connectionsActive, "testmanager_relay_connections_active")
	s.register(reg, s.admissionsRejected, "testmanager_relay_admissions_rejected_total")
	s.register(reg, s.messagesForwardedTotal, "testmanager_relay_messages_forwarded_total")
	s.register(reg, s.messagesDroppedTotal, "testmanager_relay_messages_dropped_total")
	s.register(reg, s.messagesReplayedTotal, "testmanager_relay_messages_replayed_total")
	s.register(reg, s.forcedDisconnectsTotal, "testmanager_relay_forced_disconnects_total")
	s.register(reg, s.jobOutcomesTotal, "testmanager_relay_job_outcomes_total")
}

func (s *PrometheusSink) initBusMetrics(reg prometheus.Registerer) {
	s.busErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testmanager_bus_errors_total",
		Help: "Total number of failed bus operations, by operation.",
	}, []string{"op"})

	s.register(reg, s.busErrorsTotal, "testmanager_bus_errors_total")
}

func (s *PrometheusSink) initStatsMetrics(reg prometheus.Registerer) {
	s.statsCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testmanager_stats_cycles_total",
		Help: "Total number of statistics forward cycles run.",
	})
	s.statsCycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testmanager_stats_cycle_errors_total",
		Help: "Total number of statistics forward cycles that failed.",
	})
	s.statsKeysCopiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testmanager_stats_keys_copied_total",
		Help: "Total number of keys copied into the core cache.",
	})
	s.statsCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "testmanager_stats_cycle_duration_seconds",
		Help:    "Duration of each statistics forward cycle in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	s.register(reg, s.statsCyclesTotal, "testmanager_stats_cycles_total")
	s.register(reg, s.statsCycleErrorsTotal, "testmanager_stats_cycle_errors_total")
	s.register(reg, s.statsKeysCopiedTotal, "testmanager_stats_keys_copied_total")
	s.register(reg, s.statsCycleDuration, "testmanager_stats_cycle_duration_seconds")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "testmanager_leader_is_leader",
		Help: "1 if this instance runs the statistics forwarder, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "testmanager_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "testmanager_leader_lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "testmanager_leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "testmanager_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "testmanager_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Relay metrics implementation

func (s *PrometheusSink) ConnectionOpened(endpoint string) {
	s.connectionsTotal.WithLabelValues(endpoint).Inc()
	s.connectionsActive.WithLabelValues(endpoint).Inc()
}

func (s *PrometheusSink) ConnectionClosed(endpoint string) {
	s.connectionsActive.WithLabelValues(endpoint).Dec()
}

func (s *PrometheusSink) AdmissionRejected(endpoint string) {
	s.admissionsRejected.WithLabelValues(endpoint).Inc()
}

func (s *PrometheusSink) MessageForwarded() {
	s.messagesForwardedTotal.Inc()
}

func (s *PrometheusSink) MessageDropped(reason string) {
	s.messagesDroppedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) MessagesReplayed(count int) {
	s.messagesReplayedTotal.Add(float64(count))
}

func (s *PrometheusSink) ForcedDisconnect(reason string) {
	s.forcedDisconnectsTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) JobOutcome(outcome string) {
	s.jobOutcomesTotal.WithLabelValues(outcome).Inc()
}

// Bus metrics implementation

func (s *PrometheusSink) BusError(op string) {
	s.busErrorsTotal.WithLabelValues(op).Inc()
}

// Statistics forwarder metrics implementation

func (s *PrometheusSink) StatsCycleCompleted(duration time.Duration, keysCopied int, err error) {
	s.statsCyclesTotal.Inc()
	s.statsCycleDuration.Observe(duration.Seconds())
	s.statsKeysCopiedTotal.Add(float64(keysCopied))
	if err != nil {
		s.statsCycleErrorsTotal.Inc()
	}
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
		return
	}
	s.isLeader.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
