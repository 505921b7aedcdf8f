package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Reliable messaging layer ----

	CorruptMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "corrupt_messages_total",
			Help:      "Frames dropped for checksum mismatch or malformed structure.",
		},
	)

	DuplicateMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "duplicate_messages_total",
			Help:      "Frames dropped as per-sender sequence duplicates.",
		},
	)

	Retransmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "retransmits_total",
			Help:      "Resends of acknowledged-delivery messages.",
		},
	)

	DeliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "delivery_failures_total",
			Help:      "Messages that exhausted every retry without an ack.",
		},
	)

	// ---- Membership and election ----

	Members = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flock",
			Name:      "members",
			Help:      "Participants currently in the group view.",
		},
		[]string{"role"},
	)

	MemberTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "member_timeouts_total",
			Help:      "Participants removed for exceeding the liveness timeout.",
		},
	)

	ElectionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "elections_started_total",
			Help:      "Bully elections initiated by this node.",
		},
	)

	LeaderChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "leader_changes_total",
			Help:      "Times this node adopted a new leader.",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flock",
			Name:      "is_leader",
			Help:      "1 while this node is the coordinator.",
		},
	)

	PartitionsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flock",
			Name:      "partitions_detected_total",
			Help:      "Transitions into minority-partition status.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "flock",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		CorruptMessages, DuplicateMessages, Retransmits, DeliveryFailures,
		Members, MemberTimeouts, ElectionsStarted, LeaderChanges, IsLeader,
		PartitionsDetected, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
