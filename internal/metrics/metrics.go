// Package metrics holds the Prometheus collectors recorded by the approval
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pm_approvals"

// Metrics groups the approval collectors. A nil *Metrics records nothing.
type Metrics struct {
	requestsCreated   *prometheus.CounterVec
	votes             *prometheus.CounterVec
	resolutions       *prometheus.CounterVec
	notifyFailures    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requestsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Approval requests opened, by approval type.",
		}, []string{"approval_type"}),
		votes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Votes submitted, by decision and outcome.",
		}, []string{"decision", "outcome"}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Requests reaching a terminal status.",
		}, []string{"status"}),
		notifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that could not be delivered, by kind.",
		}, []string{"kind"}),
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of approval service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Metrics) RequestCreated(approvalType string) {
	if m == nil {
		return
	}
	m.requestsCreated.WithLabelValues(approvalType).Inc()
}

// Vote records a vote attempt; outcome is "accepted" or the error code.
func (m *Metrics) Vote(decision, outcome string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(decision, outcome).Inc()
}

func (m *Metrics) Resolved(status string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(status).Inc()
}

func (m *Metrics) NotifyFailed(kind string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(kind).Inc()
}

// ObserveDuration records seconds spent in operation.
func (m *Metrics) ObserveDuration(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(seconds)
}
