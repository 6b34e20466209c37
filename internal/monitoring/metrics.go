// Package monitoring exposes the Prometheus instrumentation shared by
// the orchestrator, the resubmission engine, and the Teams delivery
// pipeline.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "claimbridge"

// Metrics bundles every instrument the platform records. Construct one
// per process; tests pass their own registry.
type Metrics struct {
	SubmissionsTotal   *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec

	ResubmissionsTotal *prometheus.CounterVec
	RecoveredAmount    prometheus.Counter

	WebhookDeliveries *prometheus.CounterVec
	WebhookDuration   prometheus.Histogram

	CircuitState   *prometheus.GaugeVec
	SessionsActive prometheus.Gauge

	FollowUpRows   prometheus.Counter
	FollowUpAlerts *prometheus.CounterVec

	EventsPublished *prometheus.CounterVec
}

// New registers the instrument set on reg (the default registerer when
// nil) and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_submissions_total",
			Help:      "Claim submissions by portal, strategy, and outcome.",
		}, []string{"portal", "strategy", "outcome"}),
		SubmissionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_submission_duration_seconds",
			Help:      "Portal submission latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"portal"}),
		ResubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubmissions_total",
			Help:      "Resubmission attempts by final status.",
		}, []string{"status"}),
		RecoveredAmount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubmission_recovered_amount_total",
			Help:      "Claim value recovered through successful resubmissions (SAR).",
		}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Teams webhook deliveries by result.",
		}, []string{"result"}),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Teams webhook delivery latency including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per operation (0 closed, 1 half-open, 2 open).",
		}, []string{"operation"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portal_sessions_active",
			Help:      "Live sessions in the registry.",
		}),
		FollowUpRows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "followup_rows_processed_total",
			Help:      "Worksheet rows parsed by the follow-up processor.",
		}),
		FollowUpAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "followup_alerts_total",
			Help:      "Follow-up alert events by priority.",
		}, []string{"priority"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Operational events published by type.",
		}, []string{"event_type"}),
	}
}

// RecordSubmission notes one portal attempt.
func (m *Metrics) RecordSubmission(portal, strategy string, success bool, elapsed time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.SubmissionsTotal.WithLabelValues(portal, strategy, outcome).Inc()
	m.SubmissionDuration.WithLabelValues(portal).Observe(elapsed.Seconds())
}

// RecordResubmission notes a resubmission attempt outcome and any
// recovered claim value.
func (m *Metrics) RecordResubmission(status string, recovered float64) {
	m.ResubmissionsTotal.WithLabelValues(status).Inc()
	if recovered > 0 {
		m.RecoveredAmount.Add(recovered)
	}
}

// RecordWebhookDelivery notes one delivery (after all retries).
func (m *Metrics) RecordWebhookDelivery(result string, elapsed time.Duration) {
	m.WebhookDeliveries.WithLabelValues(result).Inc()
	m.WebhookDuration.Observe(elapsed.Seconds())
}

// SetCircuitState maps a breaker state string onto the gauge.
func (m *Metrics) SetCircuitState(operation, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitState.WithLabelValues(operation).Set(v)
}

// SetActiveSessions publishes the registry size.
func (m *Metrics) SetActiveSessions(n int) {
	m.SessionsActive.Set(float64(n))
}

// RecordFollowUpRow counts one parsed worksheet row.
func (m *Metrics) RecordFollowUpRow() { m.FollowUpRows.Inc() }

// RecordFollowUpAlert counts one emitted follow-up event.
func (m *Metrics) RecordFollowUpAlert(priority string) {
	m.FollowUpAlerts.WithLabelValues(priority).Inc()
}

// RecordEventPublished counts one aggregator notification.
func (m *Metrics) RecordEventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}
