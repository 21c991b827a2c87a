// Package metrics registers the dispatcher's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunningAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_running_agents",
		Help: "Number of agent instances currently running.",
	})
	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_lifecycle_transitions_total",
		Help: "Total number of agent lifecycle transitions by kind.",
	}, []string{"transition"})
	AgentStartDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatcher_agent_start_duration_seconds",
		Help:    "Duration of agent start operations.",
		Buckets: prometheus.DefBuckets,
	})
	AgentMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_agent_memory_bytes",
		Help: "Total resident memory of all running agents.",
	})
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_auth_attempts_total",
		Help: "Total number of authentication attempts by outcome.",
	}, []string{"outcome"})
	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_proxied_requests_total",
		Help: "Total number of requests forwarded to agents by outcome.",
	}, []string{"outcome"})
)
