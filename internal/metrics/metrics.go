package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "security_core"

// Metrics groups the service's Prometheus collectors.
// A nil *Metrics is valid and records nothing, so services can run without it.
type Metrics struct {
	securityEvents       *prometheus.CounterVec
	auditEntries         *prometheus.CounterVec
	integrityFailures    prometheus.Counter
	rateLimitDecisions   *prometheus.CounterVec
	rateLimitBlocks      *prometheus.CounterVec
	suspiciousActivities *prometheus.CounterVec
	threatRiskScore      prometheus.Histogram
	workflowTransitions  *prometheus.CounterVec
	streamPublishErrors  prometheus.Counter
	retentionDeleted     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration on the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		securityEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events logged, by type and severity.",
		}, []string{"event_type", "severity"}),
		auditEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit log entries written, by action.",
		}, []string{"action"}),
		integrityFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_integrity_failures_total",
			Help:      "Audit entries whose checksum did not verify.",
		}),
		rateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limit decisions, by limit type and outcome.",
		}, []string{"limit_type", "outcome"}),
		rateLimitBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_blocks_total",
			Help:      "Counters that crossed their limit and were blocked.",
		}, []string{"limit_type"}),
		suspiciousActivities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspicious_activities_total",
			Help:      "Suspicious activities recorded, by type and risk level.",
		}, []string{"activity_type", "risk_level"}),
		threatRiskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "login_threat_risk_score",
			Help:      "Cumulative threat risk score per analyzed login.",
			Buckets:   []float64{0, 15, 30, 50, 70, 85, 100},
		}),
		workflowTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "investigation_transitions_total",
			Help:      "Investigation workflow operations, by operation and result.",
		}, []string{"operation", "result"}),
		streamPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_publish_errors_total",
			Help:      "Security event notifications that failed to publish.",
		}),
		retentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Rows deleted by retention cleanup, by category.",
		}, []string{"category"}),
		gatherer: reg,
	}
}

func (m *Metrics) SecurityEvent(eventType, severity string) {
	if m == nil {
		return
	}
	m.securityEvents.WithLabelValues(eventType, severity).Inc()
}

func (m *Metrics) AuditEntry(action string) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(action).Inc()
}

func (m *Metrics) IntegrityFailure() {
	if m == nil {
		return
	}
	m.integrityFailures.Inc()
}

// RateLimitDecision records one attempt; outcome is "allowed" or "blocked".
func (m *Metrics) RateLimitDecision(limitType string, blocked bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if blocked {
		outcome = "blocked"
	}
	m.rateLimitDecisions.WithLabelValues(limitType, outcome).Inc()
}

func (m *Metrics) RateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.rateLimitBlocks.WithLabelValues(limitType).Inc()
}

func (m *Metrics) SuspiciousActivity(activityType, riskLevel string) {
	if m == nil {
		return
	}
	m.suspiciousActivities.WithLabelValues(activityType, riskLevel).Inc()
}

func (m *Metrics) ThreatScore(score int) {
	if m == nil {
		return
	}
	m.threatRiskScore.Observe(float64(score))
}

func (m *Metrics) Transition(operation string, success bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !success {
		result = "failed"
	}
	m.workflowTransitions.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) StreamPublishError() {
	if m == nil {
		return
	}
	m.streamPublishErrors.Inc()
}

func (m *Metrics) RetentionDeleted(category string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionDeleted.WithLabelValues(category).Add(float64(n))
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
