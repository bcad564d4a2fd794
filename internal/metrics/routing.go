// Package metrics provides Prometheus metrics for the routing engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmroute"

var (
	// RoutingRequests counts completed Route calls by terminal outcome.
	RoutingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_requests_total",
			Help:      "Total routing calls by model group and outcome classification",
		},
		[]string{"model_group", "outcome"},
	)

	// RoutingAttempts observes how many dispatches one Route call needed.
	RoutingAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_attempts_per_call",
			Help:      "Number of deployment dispatches made per routing call",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"model_group"},
	)

	// RoutingLatency observes end-to-end Route call duration.
	RoutingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_latency_seconds",
			Help:      "End-to-end routing call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model_group"},
	)

	// DeploymentSuccesses counts successful dispatches per deployment.
	DeploymentSuccesses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_success_total",
			Help:      "Successful dispatches per deployment",
		},
		[]string{"deployment_id", "model_group"},
	)

	// DeploymentFailures counts failed dispatches per deployment and error kind.
	DeploymentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_failure_total",
			Help:      "Failed dispatches per deployment and error kind",
		},
		[]string{"deployment_id", "model_group", "kind"},
	)

	// DeploymentCooldowns counts cooldown events per deployment and reason.
	DeploymentCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_cooldown_total",
			Help:      "Number of times a deployment entered cooldown",
		},
		[]string{"deployment_id", "model_group", "reason"},
	)
)
