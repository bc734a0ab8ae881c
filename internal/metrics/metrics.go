// Package metrics exposes Prometheus instrumentation for the broker:
// API traffic, backend fetches, activations, token checks, and
// notification sends.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequestDuration tracks handler latency by route.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jitbroker_api_request_duration_seconds",
			Help:    "Duration of API requests by method, route and status",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// EntitlementFetchDuration tracks policy source round trips.
	EntitlementFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jitbroker_entitlement_fetch_duration_seconds",
			Help:    "Duration of entitlement lookups by policy source and operation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source", "operation"},
	)

	// EntitlementWarningsTotal counts policy bindings that carried a
	// marker but could not be interpreted.
	EntitlementWarningsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jitbroker_entitlement_warnings_total",
			Help: "Total policy bindings skipped as uninterpretable",
		},
	)

	// ActivationsTotal counts activation attempts by flow and outcome.
	ActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jitbroker_activations_total",
			Help: "Total activation attempts by activation type and result",
		},
		[]string{"activation_type", "result"},
	)

	// BindingsProvisionedTotal counts conditional bindings written to
	// project policies.
	BindingsProvisionedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jitbroker_bindings_provisioned_total",
			Help: "Total conditional role bindings provisioned",
		},
	)

	// ProposalsIssuedTotal counts proposal tokens handed to reviewers.
	ProposalsIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jitbroker_proposals_issued_total",
			Help: "Total multi-party approval proposals issued",
		},
	)

	// TokenVerificationsTotal counts token verifications by outcome.
	TokenVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jitbroker_token_verifications_total",
			Help: "Total proposal token verifications by result",
		},
		[]string{"result"},
	)

	// NotificationsTotal counts outbound mails by kind and outcome.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jitbroker_notifications_total",
			Help: "Total notification sends by kind and result",
		},
		[]string{"kind", "result"},
	)
)

const (
	ResultOK    = "ok"
	ResultError = "error"
)

// RecordAPIRequest records one handled API request.
func RecordAPIRequest(method, route string, status int, elapsed time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// RecordEntitlementFetch records one policy source round trip.
func RecordEntitlementFetch(source, operation string, elapsed time.Duration) {
	EntitlementFetchDuration.WithLabelValues(source, operation).Observe(elapsed.Seconds())
}

// RecordEntitlementWarnings counts skipped bindings.
func RecordEntitlementWarnings(count int) {
	if count > 0 {
		EntitlementWarningsTotal.Add(float64(count))
	}
}

// RecordActivation records one activation attempt.
func RecordActivation(activationType string, err error) {
	ActivationsTotal.WithLabelValues(activationType, resultLabel(err)).Inc()
}

// RecordProposalIssued counts one issued proposal token.
func RecordProposalIssued() {
	ProposalsIssuedTotal.Inc()
}

// RecordTokenVerification records one verify call.
func RecordTokenVerification(err error) {
	TokenVerificationsTotal.WithLabelValues(resultLabel(err)).Inc()
}

// RecordNotification records one mail send.
func RecordNotification(kind string, err error) {
	NotificationsTotal.WithLabelValues(kind, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
