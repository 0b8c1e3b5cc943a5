// Package metrics registers the Prometheus collectors shared by the
// control plane, the tenant API and the workers. All collectors are
// registered on the default registry so binaries only need to mount
// promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProvisioningOutcomes counts finished tenant provisioning runs by
	// terminal state (ready, failed).
	ProvisioningOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "narthex",
		Subsystem: "provisioning",
		Name:      "outcomes_total",
		Help:      "Tenant provisioning runs by terminal state.",
	}, []string{"state"})

	// ProvisioningDuration observes the wall time of a full provisioning
	// run, from pending to a terminal state.
	ProvisioningDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "narthex",
		Subsystem: "provisioning",
		Name:      "duration_seconds",
		Help:      "Wall time of a tenant provisioning run.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// FramesIngested counts accepted gate frames per tenant.
	FramesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "narthex",
		Subsystem: "gate",
		Name:      "frames_ingested_total",
		Help:      "Gate frames accepted for recognition.",
	}, []string{"tenant"})

	// RecognitionDecisions counts recognition outcomes by decision
	// (matched, unknown) and rejection reason (empty for matches).
	RecognitionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "narthex",
		Subsystem: "recognition",
		Name:      "decisions_total",
		Help:      "Recognition decisions by outcome.",
	}, []string{"tenant", "decision", "reason"})

	// RecognitionLatency observes end-to-end frame processing latency,
	// capture to decision.
	RecognitionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "narthex",
		Subsystem: "recognition",
		Name:      "latency_seconds",
		Help:      "Frame capture to recognition decision latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// DedupedVisits counts recognitions suppressed by the sliding
	// dedupe window.
	DedupedVisits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "narthex",
		Subsystem: "recognition",
		Name:      "deduplicated_total",
		Help:      "Recognitions suppressed by the dedupe window.",
	}, []string{"tenant"})

	// MessageSends counts message dispatch attempts by final status
	// (sent, failed) and error class (empty on success).
	MessageSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "narthex",
		Subsystem: "messaging",
		Name:      "sends_total",
		Help:      "Message dispatch outcomes.",
	}, []string{"tenant", "status", "error_class"})

	// MessageRetries counts individual retried delivery attempts.
	MessageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "narthex",
		Subsystem: "messaging",
		Name:      "retries_total",
		Help:      "Retried message delivery attempts.",
	}, []string{"tenant"})
)
